package utils

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func ConvertBytesToString(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

func ConvertStringToBytes(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}

// ComponentAddress derives the custody address of an in-ledger component from its name.
func ComponentAddress(name string) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte("yieldledger." + name))[12:])
}

// ParseAddress parses a hex address, rejecting anything that is not a 20 byte hex string.
func ParseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address '%s'", s)
	}
	return common.HexToAddress(s), nil
}

// AddressKey is the lower cased hex form used for slot ids and database keys.
func AddressKey(a common.Address) string {
	return strings.ToLower(a.Hex())
}
