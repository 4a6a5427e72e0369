package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"strings"
)

const (
	// 去掉易混淆字符 0/O 1/I
	backupCodeAlphabet   = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	backupCodeHalfLength = 4
	DefaultBackupCodes   = 10
	maxBackupCodes       = 20
)

// GenerateBackupCodes 生成XXXX-XXXX格式的备用码
func GenerateBackupCodes(count int) ([]string, error) {
	if count <= 0 || count > maxBackupCodes {
		count = DefaultBackupCodes
	}

	codes := make([]string, count)
	seen := make(map[string]struct{}, count)
	for i := 0; i < count; {
		code, err := randomBackupCode()
		if err != nil {
			return nil, fmt.Errorf("生成备用码失败: %w", err)
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		codes[i] = code
		i++
	}
	return codes, nil
}

func randomBackupCode() (string, error) {
	var b strings.Builder
	max := big.NewInt(int64(len(backupCodeAlphabet)))
	for i := 0; i < backupCodeHalfLength*2; i++ {
		if i == backupCodeHalfLength {
			b.WriteByte('-')
		}
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(backupCodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// NormalizeBackupCode 统一大小写与分隔符
func NormalizeBackupCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	code = strings.ReplaceAll(code, " ", "")
	if len(code) == backupCodeHalfLength*2 && !strings.Contains(code, "-") {
		code = code[:backupCodeHalfLength] + "-" + code[backupCodeHalfLength:]
	}
	return code
}

// IsValidBackupCodeFormat 校验备用码格式
func IsValidBackupCodeFormat(code string) bool {
	code = NormalizeBackupCode(code)
	if len(code) != backupCodeHalfLength*2+1 || code[backupCodeHalfLength] != '-' {
		return false
	}
	for i := 0; i < len(code); i++ {
		if i == backupCodeHalfLength {
			continue
		}
		if !strings.ContainsRune(backupCodeAlphabet, rune(code[i])) {
			return false
		}
	}
	return true
}

// VerifyBackupCode 校验并消耗备用码，返回移除该码后重新加密的列表
func (c *SecretCodec) VerifyBackupCode(code, encryptedList string) (bool, string, error) {
	if !IsValidBackupCodeFormat(code) || encryptedList == "" {
		return false, encryptedList, nil
	}

	codes, err := c.DecryptList(encryptedList)
	if err != nil {
		return false, encryptedList, err
	}

	code = NormalizeBackupCode(code)
	matched := -1
	for i, candidate := range codes {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(code)) == 1 && matched < 0 {
			matched = i
		}
	}
	if matched < 0 {
		return false, encryptedList, nil
	}

	remaining := make([]string, 0, len(codes)-1)
	remaining = append(remaining, codes[:matched]...)
	remaining = append(remaining, codes[matched+1:]...)

	updated, err := c.EncryptList(remaining)
	if err != nil {
		return false, encryptedList, err
	}
	return true, updated, nil
}
