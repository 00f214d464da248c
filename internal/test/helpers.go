// Package test holds helpers shared by package tests
package test

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// DecodeHexString decodes a hex fixture, panicking on bad input so it can be
// used inline. Whitespace anywhere in the string is ignored, which lets long
// fixtures be split into readable groups
func DecodeHexString(hexData string) []byte {
	hexData = strings.Join(strings.Fields(hexData), "")
	decoded, err := hex.DecodeString(hexData)
	if err != nil {
		panic(fmt.Sprintf("error decoding hex: %s", err))
	}
	return decoded
}
