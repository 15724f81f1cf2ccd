package engine

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// ValueSigner signs small values (session payloads, capability URLs) with an
// HMAC so they can round-trip through an untrusted client. The key comes
// from the caller so signatures survive restarts when the key is persisted
// (e.g. the app.json session secret).
type ValueSigner[T any] struct{}

func (v *ValueSigner[T]) Sign(val T, key []byte, ttl time.Duration) string {
	js, err := json.Marshal(&signedValue[T]{Value: val, Exp: time.Now().Add(ttl).Unix()})
	if err != nil {
		panic(err)
	}
	h := hmac.New(sha256.New, key)
	h.Write(js)
	return fmt.Sprintf("%s.%s", base64.URLEncoding.EncodeToString(js), base64.URLEncoding.EncodeToString(h.Sum(nil)))
}

func (v *ValueSigner[T]) Verify(str string, key []byte) (val T, valid bool) {
	parts := strings.Split(str, ".")
	if len(parts) != 2 {
		return
	}

	js, err := base64.URLEncoding.DecodeString(parts[0])
	if err != nil {
		return
	}
	sig, _ := base64.URLEncoding.DecodeString(parts[1])
	h := hmac.New(sha256.New, key)
	io.WriteString(h, string(js))
	if !hmac.Equal(sig, h.Sum(nil)) {
		return
	}

	sv := &signedValue[T]{}
	if err := json.Unmarshal(js, sv); err != nil {
		return
	}
	if time.Now().Unix() > sv.Exp {
		return
	}
	return sv.Value, true
}

type signedValue[T any] struct {
	Value T     `json:"v"`
	Exp   int64 `json:"e"`
}
