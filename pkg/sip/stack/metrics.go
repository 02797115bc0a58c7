package stack

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics метрики стека. Горячие счетчики инкрементируются на пути
// диспетчеризации, поэтому коллектор держит готовые дочерние метрики
// вместо поиска по меткам на каждое сообщение.
type Metrics struct {
	dialogsActive      prometheus.Gauge
	transactionsActive prometheus.Gauge

	dialogTransitions *prometheus.CounterVec
	txTerminated      prometheus.Counter

	dispatchDropped *prometheus.CounterVec
	droppedByValve  prometheus.Counter
	droppedByShed   prometheus.Counter
	droppedNoMatch  prometheus.Counter

	forkedDialogs prometheus.Counter
	mergedLoops   prometheus.Counter
	auditorLeaks  prometheus.Counter
}

// NewMetrics регистрирует метрики стека. Передавайте отдельный
// Registerer в тестах, иначе повторная регистрация паникует.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		dialogsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sip", Subsystem: "stack",
			Name: "dialogs_active",
			Help: "Диалоги в реестре, включая окно linger",
		}),
		transactionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sip", Subsystem: "stack",
			Name: "transactions_active",
			Help: "Клиентские и серверные транзакции в реестре",
		}),
		dialogTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sip", Subsystem: "stack",
			Name: "dialog_transitions_total",
			Help: "Переходы состояний диалогов",
		}, []string{"to"}),
		txTerminated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sip", Subsystem: "stack",
			Name: "transactions_terminated_total",
			Help: "Транзакции, достигшие Terminated",
		}),
		dispatchDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sip", Subsystem: "stack",
			Name: "dispatch_dropped_total",
			Help: "Входящие сообщения, отброшенные до доставки",
		}, []string{"reason"}),
		forkedDialogs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sip", Subsystem: "stack",
			Name: "forked_dialogs_total",
			Help: "Вторичные диалоги, созданные форкингом",
		}),
		mergedLoops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sip", Subsystem: "stack",
			Name: "merged_loops_total",
			Help: "INVITE, отклоненные как петля (482 Merged Request)",
		}),
		auditorLeaks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sip", Subsystem: "stack",
			Name: "auditor_leaks_total",
			Help: "Записи, завершенные аудитором как утечки",
		}),
	}
	m.droppedByValve = m.dispatchDropped.WithLabelValues("valve")
	m.droppedByShed = m.dispatchDropped.WithLabelValues("load_shed")
	m.droppedNoMatch = m.dispatchDropped.WithLabelValues("unmatched")

	reg.MustRegister(
		m.dialogsActive,
		m.transactionsActive,
		m.dialogTransitions,
		m.txTerminated,
		m.dispatchDropped,
		m.forkedDialogs,
		m.mergedLoops,
		m.auditorLeaks,
	)
	return m
}
