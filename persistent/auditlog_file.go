package persistent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/buzkaaclicker/agora"
)

// FileAuditLog appends one json line per entry. The file is reopened on every
// append so external log rotation is picked up.
type FileAuditLog struct {
	Path  string
	mutex sync.Mutex
}

var _ agora.AuditLog = (*FileAuditLog)(nil)

func (l *FileAuditLog) Append(ctx context.Context, entry agora.AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	line, err := json.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("serialize audit entry: %w", err)
	}
	line = append(line, '\n')

	l.mutex.Lock()
	defer l.mutex.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.Path), 0o750); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}
	file, err := os.OpenFile(l.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	if _, err := file.Write(line); err != nil {
		_ = file.Close()
		return fmt.Errorf("write audit entry: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close audit log: %w", err)
	}
	return nil
}
