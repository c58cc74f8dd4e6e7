package crypto

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPassword = "correct horse battery"

func TestValidatePassword(t *testing.T) {
	assert.NoError(t, ValidatePassword(strings.Repeat("a", PasswordMinLength)))
	for _, pw := range []string{"", "abc", "1234567"} {
		err := ValidatePassword(pw)
		require.Error(t, err, pw)
		assert.Contains(t, err.Error(), "must be at least")
	}
}

func TestGeneratePassword(t *testing.T) {
	pw, err := GeneratePassword(16)
	require.NoError(t, err)
	assert.Len(t, pw, 16)
	assert.NoError(t, ValidatePassword(pw))

	short, err := GeneratePassword(4)
	require.NoError(t, err)
	assert.Len(t, short, PasswordMinLength)

	other, err := GeneratePassword(16)
	require.NoError(t, err)
	assert.NotEqual(t, pw, other)
}

func TestHeaderRoundTrip(t *testing.T) {
	in := ArchiveHeader{
		Version:   1,
		Algorithm: algorithm,
		Nonce:     bytes.Repeat([]byte{1}, 12),
		Salt:      bytes.Repeat([]byte{2}, SaltLength),
	}
	data, err := serializeHeader(in)
	require.NoError(t, err)
	assert.True(t, IsEncrypted(data))

	out, size, err := parseHeader(append(data, 0xAA, 0xBB))
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Equal(t, len(data), size)
}

func TestSerializeHeader_FieldTooLong(t *testing.T) {
	_, err := serializeHeader(ArchiveHeader{Algorithm: strings.Repeat("x", 256)})
	assert.Error(t, err)
	_, err = serializeHeader(ArchiveHeader{Salt: make([]byte, 300)})
	assert.Error(t, err)
}

func TestParseHeader_Invalid(t *testing.T) {
	for name, data := range map[string][]byte{
		"empty":     nil,
		"bad magic": []byte("NOTMAGIC-and-more"),
		"truncated": []byte(headerMagic + "\x01\x0bAES"),
	} {
		t.Run(name, func(t *testing.T) {
			_, _, err := parseHeader(data)
			assert.Error(t, err)
		})
	}
}

func TestEncryptDecrypt(t *testing.T) {
	for name, plain := range map[string][]byte{
		"empty": {},
		"json":  []byte(`{"version":"1","data":{}}`),
		"large": bytes.Repeat([]byte("backup "), 200_000),
	} {
		t.Run(name, func(t *testing.T) {
			enc, err := EncryptArchive(plain, testPassword)
			require.NoError(t, err)
			assert.True(t, IsEncrypted(enc))
			if len(plain) > 0 {
				assert.False(t, bytes.Contains(enc, plain))
			}

			dec, err := DecryptArchive(enc, testPassword)
			require.NoError(t, err)
			assert.Equal(t, len(plain), len(dec))
			assert.True(t, bytes.Equal(plain, dec))
		})
	}
}

func TestEncryptArchive_FreshSaltAndNonce(t *testing.T) {
	a, err := EncryptArchive([]byte("same"), testPassword)
	require.NoError(t, err)
	b, err := EncryptArchive([]byte("same"), testPassword)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestEncryptArchive_ShortPassword(t *testing.T) {
	_, err := EncryptArchive([]byte("x"), "short")
	assert.Error(t, err)
}

func TestDecryptArchive_Failures(t *testing.T) {
	enc, err := EncryptArchive([]byte("secret settings"), testPassword)
	require.NoError(t, err)

	_, err = DecryptArchive(enc, "wrong password!")
	assert.True(t, errors.Is(err, ErrInvalidPassword))

	tampered := append([]byte(nil), enc...)
	tampered[len(tampered)-1] ^= 0xFF
	_, err = DecryptArchive(tampered, testPassword)
	assert.True(t, errors.Is(err, ErrInvalidPassword))

	// the header is authenticated too
	tampered = append([]byte(nil), enc...)
	tampered[len(tampered)-50] ^= 0xFF
	_, err = DecryptArchive(tampered, testPassword)
	assert.Error(t, err)

	_, err = DecryptArchive([]byte(`{"version":"1"}`), testPassword)
	assert.True(t, errors.Is(err, ErrInvalidArchive))

	badVersion := append([]byte(nil), enc...)
	badVersion[len(headerMagic)] = 9
	_, err = DecryptArchive(badVersion, testPassword)
	assert.True(t, errors.Is(err, ErrInvalidArchive))
}
