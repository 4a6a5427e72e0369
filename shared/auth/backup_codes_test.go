package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateBackupCodes(t *testing.T) {
	codes, err := GenerateBackupCodes(0)
	require.NoError(t, err)
	assert.Len(t, codes, DefaultBackupCodes)

	seen := map[string]bool{}
	for _, code := range codes {
		assert.True(t, IsValidBackupCodeFormat(code), code)
		assert.Len(t, code, 9)
		assert.False(t, seen[code])
		seen[code] = true
	}
}

func TestBackupCodeFormat(t *testing.T) {
	tests := []struct {
		code  string
		valid bool
	}{
		{"ABCD-EFGH", true},
		{"abcd-efgh", true},
		{"ABCDEFGH", true},
		{"ABCD-EFG", false},
		{"ABCD-EFG0", false},
		{"ABCD_EFGH", false},
		{"", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.valid, IsValidBackupCodeFormat(tt.code), tt.code)
	}
}

func TestVerifyBackupCode_OneTimeUse(t *testing.T) {
	codec := newTestCodec(t)
	codes, err := GenerateBackupCodes(3)
	require.NoError(t, err)

	encrypted, err := codec.EncryptList(codes)
	require.NoError(t, err)

	valid, updated, err := codec.VerifyBackupCode(codes[1], encrypted)
	require.NoError(t, err)
	assert.True(t, valid)

	remaining, err := codec.DecryptList(updated)
	require.NoError(t, err)
	assert.Equal(t, []string{codes[0], codes[2]}, remaining)

	valid, same, err := codec.VerifyBackupCode(codes[1], updated)
	require.NoError(t, err)
	assert.False(t, valid, "同一备用码不能使用两次")
	assert.Equal(t, updated, same)
}

func TestVerifyBackupCode_Rejections(t *testing.T) {
	codec := newTestCodec(t)
	encrypted, err := codec.EncryptList([]string{"ABCD-EFGH"})
	require.NoError(t, err)

	valid, _, err := codec.VerifyBackupCode("ZZZZ-ZZZZ", encrypted)
	require.NoError(t, err)
	assert.False(t, valid)

	valid, _, err = codec.VerifyBackupCode("bad", encrypted)
	require.NoError(t, err)
	assert.False(t, valid)

	valid, _, err = codec.VerifyBackupCode("abcd efgh", encrypted)
	require.NoError(t, err)
	assert.True(t, valid, "大小写与空格规范化")

	_, _, err = codec.VerifyBackupCode("ABCD-EFGH", "v1:garbage")
	assert.ErrorIs(t, err, ErrDecrypt)
}
