package protocol

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20"
)

// Supported cipher algorithm names.
const (
	AlgorithmNone      = "none"
	AlgorithmAES128CFB = "aes-128-cfb"
	AlgorithmAES192CFB = "aes-192-cfb"
	AlgorithmAES256CFB = "aes-256-cfb"
	AlgorithmChaCha20  = "chacha20"
)

// streamCipher describes a stream cipher used to obfuscate frames.
type streamCipher struct {
	// newStream returns the keystream for key and iv.
	newStream func(key, iv []byte, decrypt bool) (s cipher.Stream, err error)

	keyLen int
	ivLen  int
}

// newAESCFB returns the CFB keystream constructor for AES.
func newAESCFB(key, iv []byte, decrypt bool) (s cipher.Stream, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	if decrypt {
		return cipher.NewCFBDecrypter(block, iv), nil
	}

	return cipher.NewCFBEncrypter(block, iv), nil
}

// newChaCha20 returns the ChaCha20 keystream.  Encryption and decryption are
// the same operation.
func newChaCha20(key, iv []byte, _ bool) (s cipher.Stream, err error) {
	return chacha20.NewUnauthenticatedCipher(key, iv)
}

// ciphers maps the supported algorithm names to their parameters.  A nil value
// means that frames are not encrypted.
var ciphers = map[string]*streamCipher{
	AlgorithmNone: nil,
	AlgorithmAES128CFB: {
		newStream: newAESCFB,
		keyLen:    16,
		ivLen:     aes.BlockSize,
	},
	AlgorithmAES192CFB: {
		newStream: newAESCFB,
		keyLen:    24,
		ivLen:     aes.BlockSize,
	},
	AlgorithmAES256CFB: {
		newStream: newAESCFB,
		keyLen:    32,
		ivLen:     aes.BlockSize,
	},
	AlgorithmChaCha20: {
		newStream: newChaCha20,
		keyLen:    chacha20.KeySize,
		ivLen:     chacha20.NonceSize,
	},
}

// lookupCipher returns the cipher for the algorithm name.
func lookupCipher(algorithm string) (c *streamCipher, err error) {
	c, ok := ciphers[strings.ToLower(algorithm)]
	if !ok {
		return nil, fmt.Errorf("unsupported cipher algorithm %q", algorithm)
	}

	return c, nil
}

// seal encrypts plain with a random IV and returns IV || ciphertext.
func (c *streamCipher) seal(key, plain []byte) (frame []byte, err error) {
	frame = make([]byte, c.ivLen+len(plain))
	iv := frame[:c.ivLen]
	if _, err = rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generating iv: %w", err)
	}

	s, err := c.newStream(key, iv, false)
	if err != nil {
		return nil, fmt.Errorf("initializing cipher: %w", err)
	}

	s.XORKeyStream(frame[c.ivLen:], plain)

	return frame, nil
}

// open decrypts an IV || ciphertext frame.
func (c *streamCipher) open(key, frame []byte) (plain []byte, err error) {
	if len(frame) <= c.ivLen {
		return nil, fmt.Errorf("frame of %d bytes is too short", len(frame))
	}

	s, err := c.newStream(key, frame[:c.ivLen], true)
	if err != nil {
		return nil, fmt.Errorf("initializing cipher: %w", err)
	}

	plain = make([]byte, len(frame)-c.ivLen)
	s.XORKeyStream(plain, frame[c.ivLen:])

	return plain, nil
}

// deriveKey derives a key of keyLen bytes from the password using the MD5
// chain of OpenSSL's EVP_BytesToKey with no salt and a single iteration.
func deriveKey(password string, keyLen int) (key []byte) {
	var prev []byte
	key = make([]byte, 0, keyLen+md5.Size)
	for len(key) < keyLen {
		h := md5.New()
		_, _ = h.Write(prev)
		_, _ = h.Write([]byte(password))
		prev = h.Sum(nil)
		key = append(key, prev...)
	}

	return key[:keyLen]
}
