package mock

import "github.com/buzkaaclicker/agora"

type TokenCodec struct {
	GenerateFn func(userId string, walletAddress string) (string, error)

	ValidateFn func(token string) (agora.TokenPayload, bool)
}

var _ agora.TokenCodec = TokenCodec{}

func (c TokenCodec) Generate(userId string, walletAddress string) (string, error) {
	return c.GenerateFn(userId, walletAddress)
}

func (c TokenCodec) Validate(token string) (agora.TokenPayload, bool) {
	return c.ValidateFn(token)
}
