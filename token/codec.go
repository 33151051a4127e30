package token

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/buzkaaclicker/agora"
	"github.com/google/uuid"
)

type Codec struct {
	Sealer *Sealer
	Now    func() time.Time
}

var _ agora.TokenCodec = (*Codec)(nil)

func NewCodec(sealer *Sealer) *Codec {
	return &Codec{Sealer: sealer, Now: time.Now}
}

// Generate issues a fresh token. Every call gets a new token id, so two tokens
// for the same wallet never compare equal.
func (c *Codec) Generate(userId string, walletAddress string) (string, error) {
	payload := agora.TokenPayload{
		UserId:        userId,
		WalletAddress: walletAddress,
		IssuedAt:      c.Now().UTC(),
		TokenId:       uuid.New().String(),
	}
	serialized, err := json.Marshal(&payload)
	if err != nil {
		return "", fmt.Errorf("serialize payload: %w", err)
	}
	token, err := c.Sealer.SealString(serialized)
	if err != nil {
		return "", fmt.Errorf("seal payload: %w", err)
	}
	return token, nil
}

func (c *Codec) Validate(token string) (agora.TokenPayload, bool) {
	if token == "" {
		return agora.TokenPayload{}, false
	}
	plaintext, err := c.Sealer.OpenString(token)
	if err != nil {
		return agora.TokenPayload{}, false
	}
	var payload agora.TokenPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return agora.TokenPayload{}, false
	}
	if payload.WalletAddress == "" || payload.TokenId == "" {
		return agora.TokenPayload{}, false
	}
	return payload, true
}
