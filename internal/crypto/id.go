package crypto

import (
	"crypto/rand"
	"encoding/base64"
)

// 16 bytes gives 128 bits of entropy, encoded as 22 URL-safe characters.
const idLength = 16

func GenerateID() string {
	bytes := make([]byte, idLength)
	if _, err := rand.Read(bytes); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(bytes)
}
