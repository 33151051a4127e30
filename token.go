package agora

import "time"

// TokenPayload is the content sealed inside a session token.
type TokenPayload struct {
	UserId        string    `json:"userId,omitempty"`
	WalletAddress string    `json:"walletAddress"`
	IssuedAt      time.Time `json:"issuedAt"`
	TokenId       string    `json:"tokenId"`
}

type TokenCodec interface {
	Generate(userId string, walletAddress string) (string, error)

	// Validate reports false for anything that does not decrypt to a payload.
	Validate(token string) (TokenPayload, bool)
}
