// Package executor реализует последовательное исполнение задач по ключу
// и планировщик таймеров с миллисекундным разрешением.
//
// Экзекьютор заменяет блокировки уровня диалога: все мутирующие операции
// одного диалога подаются задачами с ключом (Call-ID), и задачи с одним
// ключом исполняются строго в порядке подачи. Задачи с разными ключами
// исполняются параллельно на пуле воркеров.
package executor

import (
	"container/list"
	"context"
	"runtime"
	"sync"

	"github.com/rs/zerolog"
)

// Task единица работы экзекьютора.
type Task func()

// queueState очередь задач одного ключа.
//
// active=true означает, что очередь уже передана воркеру: новые задачи
// просто дописываются, воркер заберет их сам. Так сохраняется FIFO
// в пределах ключа без глобальной сериализации.
type queueState struct {
	tasks  *list.List
	active bool
}

// Config параметры экзекьютора.
type Config struct {
	// Workers размер пула. 0 означает NumCPU.
	Workers int
	// QueueCapacity емкость канала готовых ключей. При переполнении
	// подача задачи блокируется, создавая обратное давление.
	QueueCapacity int
}

// DefaultConfig возвращает параметры по умолчанию.
func DefaultConfig() Config {
	return Config{
		Workers:       runtime.NumCPU(),
		QueueCapacity: 4096,
	}
}

// Executor исполняет задачи последовательно в пределах ключа.
type Executor struct {
	mu     sync.Mutex
	queues map[string]*queueState

	ready  chan string
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    zerolog.Logger

	closed bool
}

// New создает экзекьютор и запускает пул воркеров.
func New(cfg Config, log zerolog.Logger) *Executor {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultConfig().QueueCapacity
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		queues: make(map[string]*queueState),
		ready:  make(chan string, cfg.QueueCapacity),
		ctx:    ctx,
		cancel: cancel,
		log:    log.With().Str("component", "executor").Logger(),
	}
	for i := 0; i < cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return e
}

// AddTaskLast ставит задачу в хвост очереди ключа. Обычный путь для
// исходящих запросов и внутренней обработки.
func (e *Executor) AddTaskLast(key string, task Task) bool {
	return e.add(key, task, false)
}

// AddTaskFirst ставит задачу в голову очереди ключа. Используется для
// ACK: он уходит раньше уже поданных, но еще не начатых задач
// диалога. Несколько задач, поставленных в голову до начала их
// исполнения, исполняются в обратном порядке подачи.
func (e *Executor) AddTaskFirst(key string, task Task) bool {
	return e.add(key, task, true)
}

func (e *Executor) add(key string, task Task, first bool) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	q, ok := e.queues[key]
	if !ok {
		q = &queueState{tasks: list.New()}
		e.queues[key] = q
	}
	if first {
		q.tasks.PushFront(task)
	} else {
		q.tasks.PushBack(task)
	}
	dispatch := !q.active
	if dispatch {
		q.active = true
	}
	e.mu.Unlock()

	if dispatch {
		select {
		case e.ready <- key:
		case <-e.ctx.Done():
			return false
		}
	}
	return true
}

// Cancel отбрасывает все неначатые задачи ключа. Уже исполняющаяся
// задача не прерывается. Возвращает число отброшенных задач.
func (e *Executor) Cancel(key string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	q, ok := e.queues[key]
	if !ok {
		return 0
	}
	n := q.tasks.Len()
	q.tasks.Init()
	if !q.active {
		delete(e.queues, key)
	}
	return n
}

// Pending возвращает число неначатых задач ключа.
func (e *Executor) Pending(key string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if q, ok := e.queues[key]; ok {
		return q.tasks.Len()
	}
	return 0
}

// Shutdown останавливает воркеров. Неначатые задачи отбрасываются.
func (e *Executor) Shutdown() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.queues = make(map[string]*queueState)
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
}

func (e *Executor) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case key := <-e.ready:
			e.drain(key)
		}
	}
}

// drain исполняет задачи ключа до опустошения очереди. Пока очередь
// active, add не пошлет ключ в ready повторно, поэтому задачи одного
// ключа никогда не исполняются двумя воркерами одновременно.
func (e *Executor) drain(key string) {
	for {
		e.mu.Lock()
		q, ok := e.queues[key]
		if !ok || q.tasks.Len() == 0 {
			if ok {
				delete(e.queues, key)
			}
			e.mu.Unlock()
			return
		}
		front := q.tasks.Remove(q.tasks.Front()).(Task)
		e.mu.Unlock()

		e.run(key, front)
	}
}

func (e *Executor) run(key string, task Task) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Str("key", key).Interface("panic", r).
				Msg("task panic recovered")
		}
	}()
	task()
}
