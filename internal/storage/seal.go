package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/parkerjbeard/chronicle/internal/cryptoenv"
)

// sealedFile is the on-disk wire form every encrypted artifact shares:
//
//	algorithm        u8
//	key_epoch        u32
//	nonce_len        u8
//	nonce            nonce_len bytes
//	associated_len   u32
//	associated_data  associated_len bytes
//	ciphertext       remainder of file (includes the AEAD tag)
func sealBytes(env cryptoenv.Envelope) []byte {
	buf := make([]byte, 0, 1+4+1+len(env.Nonce)+4+len(env.AssociatedData)+len(env.Ciphertext))
	buf = append(buf, byte(env.Algorithm))
	var epoch [4]byte
	binary.LittleEndian.PutUint32(epoch[:], env.KeyEpoch)
	buf = append(buf, epoch[:]...)
	buf = append(buf, byte(len(env.Nonce)))
	buf = append(buf, env.Nonce[:]...)
	var adLen [4]byte
	binary.LittleEndian.PutUint32(adLen[:], uint32(len(env.AssociatedData)))
	buf = append(buf, adLen[:]...)
	buf = append(buf, env.AssociatedData...)
	buf = append(buf, env.Ciphertext...)
	return buf
}

func unsealBytes(data []byte) (cryptoenv.Envelope, error) {
	if len(data) < 1+4+1 {
		return cryptoenv.Envelope{}, fmt.Errorf("storage: sealed file truncated")
	}
	var env cryptoenv.Envelope
	off := 0
	env.Algorithm = cryptoenv.Algorithm(data[off])
	off++
	env.KeyEpoch = binary.LittleEndian.Uint32(data[off:])
	off += 4
	nonceLen := int(data[off])
	off++
	if nonceLen != cryptoenv.NonceSize || len(data)-off < nonceLen+4 {
		return cryptoenv.Envelope{}, fmt.Errorf("storage: sealed file has malformed nonce")
	}
	copy(env.Nonce[:], data[off:off+nonceLen])
	off += nonceLen
	adLen := int(binary.LittleEndian.Uint32(data[off:]))
	off += 4
	if len(data)-off < adLen {
		return cryptoenv.Envelope{}, fmt.Errorf("storage: sealed file has truncated associated data")
	}
	env.AssociatedData = append([]byte(nil), data[off:off+adLen]...)
	off += adLen
	env.Ciphertext = append([]byte(nil), data[off:]...)
	return env, nil
}

// sealPlaintext encrypts plaintext under the key ring's current epoch
// and returns the bytes to write to disk.
func sealPlaintext(kr *cryptoenv.KeyRing, algo cryptoenv.Algorithm, associatedData, plaintext []byte) ([]byte, uint32, error) {
	current := kr.Current()
	nonce, err := cryptoenv.NewNonce(current.Number)
	if err != nil {
		return nil, 0, err
	}
	env, err := cryptoenv.Seal(algo, current.Key, current.Number, nonce, associatedData, plaintext)
	if err != nil {
		return nil, 0, err
	}
	return sealBytes(env), current.Number, nil
}

// ParseSealedHeader parses a sealed artifact's header without
// decrypting it: the algorithm and key epoch it claims to be sealed
// under. This is as much as verify can confirm about an artifact it
// does not hold the key for; a missing or retired key must not turn
// into a verify failure on its own.
func ParseSealedHeader(data []byte) (algorithm cryptoenv.Algorithm, keyEpoch uint32, err error) {
	env, err := unsealBytes(data)
	if err != nil {
		return 0, 0, err
	}
	return env.Algorithm, env.KeyEpoch, nil
}

// openSealed decrypts file bytes previously produced by sealPlaintext.
func openSealed(kr *cryptoenv.KeyRing, data []byte) ([]byte, error) {
	env, err := unsealBytes(data)
	if err != nil {
		return nil, err
	}
	key, ok := kr.Get(env.KeyEpoch)
	if !ok {
		return nil, fmt.Errorf("storage: key epoch %d is not available (retired or never loaded)", env.KeyEpoch)
	}
	return cryptoenv.Open(key, env)
}
