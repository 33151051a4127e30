package agora

import "strings"

// UserKey is the key sessions, security events and counters are grouped by.
type UserKey string

func NewUserKey(userId string, walletAddress string) UserKey {
	if userId != "" {
		return UserKey("user:" + userId)
	}
	if walletAddress == "" {
		return ""
	}
	return UserKey("wallet:" + strings.ToLower(walletAddress))
}

func (k UserKey) String() string {
	return string(k)
}
