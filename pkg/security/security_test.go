package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	svc := NewEncryptionService("test-key")

	ciphertext, err := svc.Encrypt("Hans Muster, Bahnhofstrasse 1")
	require.NoError(t, err)
	assert.NotEqual(t, "Hans Muster, Bahnhofstrasse 1", ciphertext)

	plaintext, err := svc.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "Hans Muster, Bahnhofstrasse 1", plaintext)
}

func TestEncryptEmptyString(t *testing.T) {
	svc := NewEncryptionService("test-key")

	ciphertext, err := svc.Encrypt("")
	require.NoError(t, err)
	assert.Empty(t, ciphertext)
}

func TestDecryptWithWrongKey(t *testing.T) {
	ciphertext, err := NewEncryptionService("key-a").Encrypt("secret")
	require.NoError(t, err)

	_, err = NewEncryptionService("key-b").Decrypt(ciphertext)
	assert.Error(t, err)
}

func TestDecryptGarbage(t *testing.T) {
	svc := NewEncryptionService("test-key")

	_, err := svc.Decrypt("not base64!!!")
	assert.Error(t, err)

	_, err = svc.Decrypt("c2hvcnQ=")
	assert.Error(t, err)
}

func TestEncryptValues(t *testing.T) {
	svc := NewEncryptionService("test-key")

	data := map[string]string{
		"Title":   "Summer shoot",
		"Contact": "hans@example.ch",
	}

	encrypted, err := svc.EncryptValues(data, []string{"Contact"})
	require.NoError(t, err)
	assert.Equal(t, "Summer shoot", encrypted["Title"])
	assert.NotEqual(t, "hans@example.ch", encrypted["Contact"])

	decrypted, err := svc.DecryptValues(encrypted, []string{"Contact"})
	require.NoError(t, err)
	assert.Equal(t, data, decrypted)
}

func TestPIIDetection(t *testing.T) {
	detector := NewPIIDetector()

	tests := []struct {
		name     string
		text     string
		expected bool
	}{
		{"email", "reach me at hans.muster@example.ch today", true},
		{"phone", "call +41 44 123 45 67", true},
		{"iban", "pay to CH93 0076 2011 6238 5295 7", true},
		{"swiss ssn", "AHV 756.1234.5678.97", true},
		{"clean caption", "Mountain lake at sunrise, Grisons", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, detector.ContainsPII(tt.text))
		})
	}
}

func TestPIIMask(t *testing.T) {
	detector := NewPIIDetector()

	masked := detector.Mask("contact hans@example.ch for details")
	assert.NotContains(t, masked, "hans@example.ch")
	assert.Contains(t, masked, "[EMAIL]")
}

func TestPIIDetectCategories(t *testing.T) {
	detector := NewPIIDetector()

	matches := detector.Detect("hans@example.ch and maria@example.ch")
	require.Len(t, matches, 2)
	for _, m := range matches {
		assert.Equal(t, "email", m.Category)
	}
}
