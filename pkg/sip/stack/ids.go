package stack

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// IDGenerator выдает идентификаторы протокола: Call-ID и теги. КРИТИЧНО: теги участвуют в идентификации диалога, поэтому
// генерация обязана быть криптографически случайной — предсказуемый
// тег позволяет чужой стороне вклиниться в диалог.
type IDGenerator struct {
	// tagLength длина тега в байтах до hex-кодирования.
	tagLength int
	fallback  atomic.Uint64
}

// NewIDGenerator создает генератор с длиной тега 8 байт
// (16 hex-символов, больше минимума RFC 3261 Section 19.3).
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{tagLength: 8}
}

// CallID новый глобально уникальный Call-ID.
func (g *IDGenerator) CallID() string {
	return uuid.NewString()
}

// Tag новый локальный тег для From или To.
func (g *IDGenerator) Tag() string {
	buf := make([]byte, g.tagLength)
	if _, err := rand.Read(buf); err != nil {
		// Деградация без потери уникальности внутри процесса.
		n := g.fallback.Add(1)
		return strconv.FormatInt(time.Now().UnixNano(), 36) + "." + strconv.FormatUint(n, 36)
	}
	return hex.EncodeToString(buf)
}
