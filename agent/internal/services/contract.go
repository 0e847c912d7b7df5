package services

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/gagliardetto/solana-go"
)

var ErrInvalidAddress = errors.New("invalid solana contract address")

var addressPattern = regexp.MustCompile(`[1-9A-HJ-NP-Za-km-z]{32,44}`)

// Program and stablecoin addresses that show up in pasted text but are never tracked.
var ignoredAddresses = map[string]bool{
	solana.SystemProgramID.String():                true,
	solana.TokenProgramID.String():                 true,
	solana.SolMint.String():                        true,
	"EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v": true, // USDC
	"Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB": true, // USDT
}

// ValidateContractAddress checks that s decodes to a 32-byte Solana public key
// and is not a well-known program or stablecoin.
func ValidateContractAddress(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	pk, err := solana.PublicKeyFromBase58(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if ignoredAddresses[pk.String()] {
		return "", fmt.Errorf("%w: %s is a program or stablecoin", ErrInvalidAddress, s)
	}
	return pk.String(), nil
}

// ExtractContractAddresses returns the distinct valid contract addresses in text, in order.
func ExtractContractAddresses(text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, candidate := range addressPattern.FindAllString(text, -1) {
		addr, err := ValidateContractAddress(candidate)
		if err != nil || seen[addr] {
			continue
		}
		seen[addr] = true
		out = append(out, addr)
	}
	return out
}
