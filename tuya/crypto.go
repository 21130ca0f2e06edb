package tuya

import (
	"crypto/aes"
	"crypto/md5"
	"fmt"
)

// keySize is the AES-128 key and block size used throughout the protocol.
const keySize = 16

// discoveryPassword is the constant the vendor firmware hashes to obtain the
// shared key for encrypted discovery beacons on port 6667.
const discoveryPassword = "yGAdlopoPVldABfn"

var discoveryKey = func() []byte {
	sum := md5.Sum([]byte(discoveryPassword))
	return sum[:]
}()

// DiscoverySecret returns the shared secret every v3.3+ device uses for its
// broadcast beacons.
func DiscoverySecret() *Secret {
	key := make([]byte, keySize)
	copy(key, discoveryKey)
	return &Secret{Key: key, Version: VersionDefault}
}

// pkcs7Pad appends PKCS#7 padding up to the AES block size. A full block of
// padding is added when the input is already aligned.
func pkcs7Pad(data []byte) []byte {
	n := keySize - len(data)%keySize
	out := make([]byte, len(data)+n)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

// pkcs7Unpad strips PKCS#7 padding when the tail actually is padding: the
// last byte gives the count and every byte in that window must equal it.
// Anything else is returned untouched rather than rejected; some devices
// emit frames without padding.
func pkcs7Unpad(data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	n := int(data[len(data)-1])
	if n < 1 || n > keySize || n > len(data) {
		return data
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return data
		}
	}
	return data[:len(data)-n]
}

// encryptECB encrypts plaintext with AES-128-ECB after PKCS#7 padding.
// ECB with a per-device key is what the devices implement; there is no IV.
func encryptECB(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher init: %w", err)
	}
	padded := pkcs7Pad(plaintext)
	out := make([]byte, len(padded))
	for i := 0; i < len(padded); i += keySize {
		block.Encrypt(out[i:i+keySize], padded[i:i+keySize])
	}
	return out, nil
}

// decryptECB decrypts an AES-128-ECB ciphertext and strips padding
// leniently. The ciphertext must be a whole number of blocks.
func decryptECB(key, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%keySize != 0 {
		return nil, fmt.Errorf("ciphertext length %d not a block multiple", len(ciphertext))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher init: %w", err)
	}
	out := make([]byte, len(ciphertext))
	for i := 0; i < len(ciphertext); i += keySize {
		block.Decrypt(out[i:i+keySize], ciphertext[i:i+keySize])
	}
	return pkcs7Unpad(out), nil
}
