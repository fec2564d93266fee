package drm

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// AES-CMAC per RFC 4493. The Widevine session-key derivation needs it and
// neither the standard library nor x/crypto ships one.

func aesCMAC(key, msg []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cmac: %w", err)
	}
	k1, k2 := cmacSubkeys(block)

	n := (len(msg) + 15) / 16
	var last [16]byte
	complete := n > 0 && len(msg)%16 == 0
	if n == 0 {
		n = 1
	}
	if complete {
		copy(last[:], msg[(n-1)*16:])
		xor16(&last, k1)
	} else {
		rem := msg[(n-1)*16:]
		copy(last[:], rem)
		last[len(rem)] = 0x80
		xor16(&last, k2)
	}

	var x [16]byte
	for i := 0; i < n-1; i++ {
		xor16(&x, msg[i*16:(i+1)*16])
		block.Encrypt(x[:], x[:])
	}
	xor16(&x, last[:])
	block.Encrypt(x[:], x[:])
	out := make([]byte, 16)
	copy(out, x[:])
	return out, nil
}

func cmacSubkeys(block cipher.Block) (k1, k2 []byte) {
	var l [16]byte
	block.Encrypt(l[:], l[:])
	k1 = shiftLeftXOR(l[:])
	k2 = shiftLeftXOR(k1)
	return k1, k2
}

// shiftLeftXOR shifts in left by one bit and, if the dropped MSB was set,
// XORs the last byte with the GF(2^128) constant 0x87.
func shiftLeftXOR(in []byte) []byte {
	out := make([]byte, 16)
	var carry byte
	for i := 15; i >= 0; i-- {
		out[i] = in[i]<<1 | carry
		carry = in[i] >> 7
	}
	if carry != 0 {
		out[15] ^= 0x87
	}
	return out
}

func xor16(dst *[16]byte, src []byte) {
	for i := 0; i < 16; i++ {
		dst[i] ^= src[i]
	}
}
