package domain

import (
	"encoding/hex"
	"regexp"
	"strings"

	"golang.org/x/crypto/sha3"
)

var (
	hexAddressRe     = regexp.MustCompile(`^0[xX][0-9a-fA-F]{1,40}$`)
	accountAddressRe = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,31}:[A-Za-z0-9._-]{1,64}$`)
)

// NormalizeAddress проверяет платежный адрес и возвращает его каноничную форму.
//
// Поддерживаются два вида:
//   - hex-адрес вида 0x..., до 40 hex-символов; полный адрес в смешанном
//     регистре обязан проходить проверку EIP-55;
//   - ссылка на счет off-chain рельса вида "<rail>:<account>".
//
// Hex-адреса приводятся к нижнему регистру, чтобы уникальность не зависела от записи.
func NormalizeAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	switch {
	case hexAddressRe.MatchString(addr):
		body := addr[2:]
		if len(body) == 40 && isMixedCase(body) && !validChecksum(body) {
			return "", Validationf("payment address %q has an invalid EIP-55 checksum", addr)
		}
		return "0x" + strings.ToLower(body), nil
	case accountAddressRe.MatchString(addr):
		return addr, nil
	case addr == "":
		return "", Validationf("payment address is required")
	}
	return "", Validationf("malformed payment address %q", addr)
}

// IsEVMAddress — полноразмерный 20-байтный адрес.
func IsEVMAddress(addr string) bool {
	return len(addr) == 42 && hexAddressRe.MatchString(addr)
}

// ChecksumAddress возвращает EIP-55 запись для 20-байтного адреса.
func ChecksumAddress(addr string) string {
	body := strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(addr, "0x"), "0X"))
	hash := keccakHex(body)
	out := []byte(body)
	for i, c := range out {
		if c >= 'a' && c <= 'f' && hash[i] >= '8' {
			out[i] = c - 32
		}
	}
	return "0x" + string(out)
}

func validChecksum(body string) bool {
	return ChecksumAddress(body)[2:] == body
}

func keccakHex(s string) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(s))
	return hex.EncodeToString(h.Sum(nil))
}

func isMixedCase(s string) bool {
	return strings.ToLower(s) != s && strings.ToUpper(s) != s
}
