package stack

import (
	"time"

	"github.com/arzzra/sipcore/pkg/sip/dialog"
	"github.com/arzzra/sipcore/pkg/sip/transaction"
)

// Config параметры стека. Нулевое значение не годится, начинайте с
// DefaultConfig и правьте нужное.
type Config struct {
	// EarlyDialogTimeout максимальное время диалога в EARLY до события
	// EARLY_STATE_TIMEOUT (RFC 3261 Section 13.3.1.1 рекомендует около
	// трех минут).
	EarlyDialogTimeout time.Duration
	// ConnectionLingerTimer окно после TERMINATED, в котором поиск по
	// реестру еще находит диалог: поздний ACK, поздний BYE. Ноль
	// выполняет очистку немедленно.
	ConnectionLingerTimer time.Duration
	// DialogTimeoutFactor множитель T1 для ожидания ACK после
	// финального 2xx.
	DialogTimeoutFactor int
	// BaseTimerInterval T1 из RFC 3261 Section 17: база всех
	// ретрансмиссионных таймеров.
	BaseTimerInterval time.Duration
	// MaxTxLifetimeINVITE и MaxTxLifetimeNonINVITE абсолютный предел
	// жизни транзакции. Ноль отключает предел.
	MaxTxLifetimeINVITE    time.Duration
	MaxTxLifetimeNonINVITE time.Duration
	// RemoteTagReassignmentAllowed разрешает переназначение удаленного
	// тега в EARLY при форкинге.
	RemoteTagReassignmentAllowed bool
	// TerminateOnMissingAck завершать серверный диалог, если ACK не
	// пришел за DialogTimeoutFactor * BaseTimerInterval.
	TerminateOnMissingAck bool
	// BackToBackUserAgent переносится в настройки диалога; диалог этот
	// флаг не читает: его запросы в любом случае идут по порядку через
	// очередь исполнителя.
	BackToBackUserAgent bool
	// AggressiveCleanup после завершения диалога сворачивает хранимые
	// сообщения до компактных сводок.
	AggressiveCleanup bool
	// LoadShedLowWaterMark и LoadShedHighWaterMark границы сброса
	// нагрузки: ниже нижней новые серверные транзакции принимаются
	// всегда, выше верхней отбрасываются всегда, между ними
	// вероятность отказа растет линейно с заполнением. Ноль в верхней
	// границе отключает сброс.
	LoadShedLowWaterMark  int
	LoadShedHighWaterMark int
	// AuditorInterval период обхода аудитора утечек. Ноль отключает
	// фоновый обход; ручной Audit работает всегда.
	AuditorInterval time.Duration
	// LeakThreshold возраст помеченной записи, после которого аудитор
	// считает ее утечкой, завершает и репортит.
	LeakThreshold time.Duration
}

// DefaultConfig значения по умолчанию.
func DefaultConfig() Config {
	return Config{
		EarlyDialogTimeout:           180 * time.Second,
		ConnectionLingerTimer:        8 * time.Second,
		DialogTimeoutFactor:          64,
		BaseTimerInterval:            500 * time.Millisecond,
		RemoteTagReassignmentAllowed: true,
		LoadShedHighWaterMark:        5000,
		LoadShedLowWaterMark:         4000,
		AuditorInterval:              0,
		LeakThreshold:                30 * time.Minute,
	}
}

// dialogSettings проецирует конфигурацию стека на параметры диалога.
func (c Config) dialogSettings() dialog.Settings {
	set := dialog.DefaultSettings()
	set.EarlyDialogTimeout = c.EarlyDialogTimeout
	set.LingerTimer = c.ConnectionLingerTimer
	set.T1 = c.BaseTimerInterval
	set.AckWaitTimeout = time.Duration(c.DialogTimeoutFactor) * c.BaseTimerInterval
	set.TimerH = 64 * c.BaseTimerInterval
	set.RemoteTagReassignmentAllowed = c.RemoteTagReassignmentAllowed
	set.TerminateOnMissingAck = c.TerminateOnMissingAck
	set.BackToBackUserAgent = c.BackToBackUserAgent
	set.AggressiveCleanup = c.AggressiveCleanup
	return set
}

// timerSet строит таймеры транзакций от базового интервала.
func (c Config) timerSet(reliable bool) transaction.TimerSet {
	ts := transaction.TimerSetFromT1(c.BaseTimerInterval)
	if reliable {
		return ts.ForReliable()
	}
	return ts
}

// maxTxLifetime предел жизни транзакции по методу.
func (c Config) maxTxLifetime(invite bool) time.Duration {
	if invite {
		return c.MaxTxLifetimeINVITE
	}
	return c.MaxTxLifetimeNonINVITE
}
