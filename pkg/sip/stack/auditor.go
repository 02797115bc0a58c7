package stack

import (
	"time"

	"github.com/arzzra/sipcore/pkg/sip/dialog"
	"github.com/arzzra/sipcore/pkg/sip/transaction"
)

// LeakReport запись о завершенной аудитором утечке.
type LeakReport struct {
	// Kind вид записи: dialog, client_tx, server_tx.
	Kind string
	// ID ключ записи в индексе.
	ID string
	// Age время с момента пометки.
	Age time.Duration
}

// ActiveSetSupplier выдает Call-ID, которые приложение считает
// живыми. nil-поставщик означает, что хост не ведет своего учета и
// аудитор судит только по возрасту.
type ActiveSetSupplier func() map[string]struct{}

const auditTimerID = "stack:audit"

// StartAuditor запускает фоновый обход с периодом из конфигурации.
// Поставщик может быть nil.
func (s *Stack) StartAuditor(supplier ActiveSetSupplier) {
	if s.cfg.AuditorInterval <= 0 {
		return
	}
	s.scheduleAudit(supplier)
}

func (s *Stack) scheduleAudit(supplier ActiveSetSupplier) {
	s.sched.Schedule(auditTimerID, s.cfg.AuditorInterval, func() {
		var active map[string]struct{}
		if supplier != nil {
			active = supplier()
		}
		reports := s.Audit(active)
		if len(reports) > 0 {
			s.log.Warn().Int("leaks", len(reports)).Msg("auditor terminated leaked entries")
		}
		if !s.closed.Load() {
			s.scheduleAudit(supplier)
		}
	})
}

// Audit один проход аудитора: обходит мелкие снимки каждого индекса,
// помечает нераспознанные записи, завершает и репортит помеченные
// старше порога утечки. Блокировок индексов на время пользовательских
// колбэков не держит.
func (s *Stack) Audit(activeCallIDs map[string]struct{}) []LeakReport {
	now := time.Now()
	var reports []LeakReport

	for key, d := range s.dialogs.Snapshot() {
		reports = s.auditDialog(key, d, activeCallIDs, now, reports)
	}
	for key, d := range s.earlyDialogs.Snapshot() {
		if _, dup := s.dialogs.Get(d.Key().String()); dup {
			continue
		}
		reports = s.auditDialog(key, d, activeCallIDs, now, reports)
	}

	reports = s.auditTxStore("client_tx", s.clientTxs, activeCallIDs, now, reports)
	reports = s.auditTxStore("server_tx", s.serverTxs, activeCallIDs, now, reports)
	return reports
}

func (s *Stack) auditDialog(key string, d *dialog.Dialog, active map[string]struct{}, now time.Time, reports []LeakReport) []LeakReport {
	if active != nil {
		if _, ok := active[d.CallID()]; ok {
			d.SetAuditTag(0)
			return reports
		}
	}
	tag := d.AuditTag()
	if tag == 0 {
		d.SetAuditTag(now.UnixNano())
		return reports
	}
	age := now.Sub(time.Unix(0, tag))
	if age <= s.cfg.LeakThreshold {
		return reports
	}
	s.log.Warn().Str("dialog_id", key).Dur("age", age).Msg("leaked dialog terminated by auditor")
	s.metrics.auditorLeaks.Inc()
	d.Terminate()
	return append(reports, LeakReport{Kind: "dialog", ID: key, Age: age})
}

func (s *Stack) auditTxStore(kind string, store *transaction.Store[transaction.Transaction], active map[string]struct{}, now time.Time, reports []LeakReport) []LeakReport {
	for key, tx := range store.Snapshot() {
		callID := headerValue(tx.Request().CallID())
		if active != nil {
			if _, ok := active[callID]; ok {
				tx.SetAuditTag(time.Time{})
				continue
			}
		}
		tag := tx.AuditTag()
		if tag.IsZero() {
			tx.SetAuditTag(now)
			continue
		}
		age := now.Sub(tag)
		if age <= s.cfg.LeakThreshold {
			continue
		}
		s.log.Warn().Str("branch", tx.Branch()).Dur("age", age).Msg("leaked transaction terminated by auditor")
		s.metrics.auditorLeaks.Inc()
		tx.Terminate()
		reports = append(reports, LeakReport{Kind: kind, ID: key, Age: age})
	}
	return reports
}
