package transaction

import (
	"github.com/arzzra/sipcore/pkg/sip/core"
)

// Store конкурентное хранилище транзакций, индексированное ключом
// транзакции (branch или RFC 2543 хэш). Один экземпляр на индекс
// реестра: клиентские, серверные, pending, terminated-pending-ACK.
type Store[T Transaction] struct {
	byKey *core.ShardedMap[T]
}

// NewStore создает хранилище.
func NewStore[T Transaction]() *Store[T] {
	return &Store[T]{byKey: core.NewShardedMap[T]()}
}

// Add добавляет транзакцию. Возвращает false, если ключ занят:
// дубликат означает ретрансмиссию, которую должен обработать
// существующий автомат.
func (s *Store[T]) Add(key string, tx T) bool {
	_, loaded := s.byKey.PutIfAbsent(key, tx)
	return !loaded
}

// Get возвращает транзакцию по ключу.
func (s *Store[T]) Get(key string) (T, bool) {
	return s.byKey.Get(key)
}

// Remove удаляет транзакцию по ключу.
func (s *Store[T]) Remove(key string) bool {
	return s.byKey.Delete(key)
}

// Count возвращает число активных транзакций.
func (s *Store[T]) Count() int {
	return s.byKey.Count()
}

// Snapshot возвращает поверхностную копию для аудита.
func (s *Store[T]) Snapshot() map[string]T {
	return s.byKey.Snapshot()
}

// Range обходит транзакции до первого false из fn.
func (s *Store[T]) Range(fn func(key string, tx T) bool) {
	s.byKey.Range(fn)
}

// RemoveTerminated удаляет все терминированные транзакции и
// возвращает их число.
func (s *Store[T]) RemoveTerminated() int {
	removed := 0
	s.byKey.Range(func(key string, tx T) bool {
		if tx.IsTerminated() {
			if s.byKey.Delete(key) {
				removed++
			}
		}
		return true
	})
	return removed
}
