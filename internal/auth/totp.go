package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	qrcode "github.com/skip2/go-qrcode"
)

const totpPeriod = 30 * time.Second

// TOTPManager generates, encrypts, and validates time-based one-time codes.
// The rest of the service treats it as an opaque code verifier.
type TOTPManager struct {
	encryptionKey []byte // 32-byte AES-256 key
	issuer        string
	skew          uint // accepted drift in code periods on each side
}

// NewTOTPManager creates a TOTP manager. encryptionKey must be exactly
// 32 bytes for AES-256; skew is the tolerance window in code periods.
func NewTOTPManager(encryptionKey []byte, issuer string, skew uint) (*TOTPManager, error) {
	if len(encryptionKey) != 32 {
		return nil, fmt.Errorf("encryption key must be exactly 32 bytes, got %d", len(encryptionKey))
	}
	return &TOTPManager{
		encryptionKey: encryptionKey,
		issuer:        issuer,
		skew:          skew,
	}, nil
}

// GenerateSecret creates a new TOTP secret for an account and returns the
// encrypted secret, its nonce, and a provisioning QR code data URL.
func (tm *TOTPManager) GenerateSecret(accountEmail string) ([]byte, []byte, string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      tm.issuer,
		AccountName: accountEmail,
		SecretSize:  32,
		Period:      uint(totpPeriod.Seconds()),
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, nil, "", fmt.Errorf("failed to generate TOTP key: %w", err)
	}

	encrypted, nonce, err := tm.encryptSecret([]byte(key.Secret()))
	if err != nil {
		return nil, nil, "", fmt.Errorf("failed to encrypt secret: %w", err)
	}

	qr, err := qrcode.New(key.URL(), qrcode.Highest)
	if err != nil {
		return nil, nil, "", fmt.Errorf("failed to create QR code: %w", err)
	}
	png, err := qr.PNG(200)
	if err != nil {
		return nil, nil, "", fmt.Errorf("failed to encode QR code: %w", err)
	}

	dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
	return encrypted, nonce, dataURL, nil
}

// Validate checks a submitted code against an encrypted secret, allowing the
// configured skew for clock drift and rejecting replays: a second valid
// submission inside the replay window fails.
func (tm *TOTPManager) Validate(encryptedSecret, nonce []byte, code string, lastUsedAt *time.Time) (bool, error) {
	secret, err := tm.decryptSecret(encryptedSecret, nonce)
	if err != nil {
		return false, fmt.Errorf("failed to decrypt secret: %w", err)
	}

	valid, err := totp.ValidateCustom(code, string(secret), time.Now(), totp.ValidateOpts{
		Period:    uint(totpPeriod.Seconds()),
		Skew:      tm.skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return false, fmt.Errorf("failed to validate TOTP: %w", err)
	}
	if !valid {
		return false, nil
	}

	if lastUsedAt != nil {
		replayWindow := time.Duration(2*tm.skew+1) * totpPeriod
		if time.Since(*lastUsedAt) < replayWindow {
			return false, fmt.Errorf("code replay detected")
		}
	}

	return true, nil
}

func (tm *TOTPManager) encryptSecret(secret []byte) ([]byte, []byte, error) {
	block, err := aes.NewCipher(tm.encryptionKey)
	if err != nil {
		return nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, err
	}

	return gcm.Seal(nil, nonce, secret, nil), nonce, nil
}

func (tm *TOTPManager) decryptSecret(encrypted, nonce []byte) ([]byte, error) {
	block, err := aes.NewCipher(tm.encryptionKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, encrypted, nil)
}

// GenerateRecoveryCodes generates count single-use recovery codes. The
// charset omits 0/O and 1/I/L to keep support calls short.
func GenerateRecoveryCodes(count int) ([]string, error) {
	const charset = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

	codes := make([]string, count)
	buf := make([]byte, 10)
	for i := range codes {
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("failed to generate recovery code: %w", err)
		}
		code := make([]byte, len(buf))
		for j, b := range buf {
			code[j] = charset[int(b)%len(charset)]
		}
		codes[i] = string(code[:5]) + "-" + string(code[5:])
	}
	return codes, nil
}
