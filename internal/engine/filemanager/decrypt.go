package filemanager

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"os"

	"github.com/surge-downloader/partdl/internal/engine/types"
)

// decryptSegment returns the plaintext of an AES-128-CBC encrypted
// fragment using the key stored in its key segment.
func decryptSegment(seg *types.Segment) ([]byte, error) {
	key, err := os.ReadFile(seg.Key.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key for part %s: %w", seg.Name(), err)
	}
	data, err := os.ReadFile(seg.Path)
	if err != nil {
		return nil, err
	}
	return decryptAES128(data, key, seg.IV)
}

func decryptAES128(data, key, iv []byte) ([]byte, error) {
	if len(key) != aes.BlockSize {
		return nil, fmt.Errorf("AES-128 key must be %d bytes, got %d", aes.BlockSize, len(key))
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("AES-128 IV must be %d bytes, got %d", aes.BlockSize, len(iv))
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a multiple of the block size", len(data))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	return unpadPKCS7(out)
}

func unpadPKCS7(b []byte) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, fmt.Errorf("invalid PKCS7 padding")
	}
	if !bytes.Equal(b[len(b)-n:], bytes.Repeat([]byte{byte(n)}, n)) {
		return nil, fmt.Errorf("invalid PKCS7 padding")
	}
	return b[:len(b)-n], nil
}
