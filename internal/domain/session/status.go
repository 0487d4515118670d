// Пакет session — конечный автомат статусов сессии загрузки.
//
// Жизненный цикл:
//   - ACTIVE ⇄ RESUMING — приём чанков (RESUMING после повторного Init с receivedBytes > 0)
//   - ACTIVE/RESUMING → FINALIZING — Finish начат, новые чанки не принимаются
//   - FINALIZING → FINALIZED — блоб зафиксирован, запись создана
//   - FINALIZING → ACTIVE/RESUMING — фиксация не удалась по восстановимой причине
//   - любой нетерминальный → ABORTED
//
// FINALIZED и ABORTED — терминальные. Автомат не синхронизирован:
// вызывающий код держит мьютекс сессии.
package session

import "fmt"

// Status — статус сессии загрузки.
type Status string

const (
	StatusActive     Status = "ACTIVE"
	StatusResuming   Status = "RESUMING"
	StatusFinalizing Status = "FINALIZING"
	StatusFinalized  Status = "FINALIZED"
	StatusAborted    Status = "ABORTED"
)

// Operation — операция над сессией.
type Operation string

const (
	OpChunk  Operation = "chunk"
	OpFinish Operation = "finish"
	OpAbort  Operation = "abort"
)

// validTransitions — матрица допустимых переходов.
var validTransitions = map[Status]map[Status]bool{
	StatusActive:     {StatusResuming: true, StatusFinalizing: true, StatusAborted: true},
	StatusResuming:   {StatusActive: true, StatusFinalizing: true, StatusAborted: true},
	StatusFinalizing: {StatusFinalized: true, StatusActive: true, StatusResuming: true, StatusAborted: true},
	StatusFinalized:  {},
	StatusAborted:    {},
}

// allowedOperations — операции, допустимые в каждом статусе.
var allowedOperations = map[Status]map[Operation]bool{
	StatusActive:     {OpChunk: true, OpFinish: true, OpAbort: true},
	StatusResuming:   {OpChunk: true, OpFinish: true, OpAbort: true},
	StatusFinalizing: {},
	StatusFinalized:  {},
	StatusAborted:    {},
}

// TransitionError — недопустимый переход статуса.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("INVALID_TRANSITION: переход %s → %s недопустим", e.From, e.To)
}

// Transition проверяет переход from → to.
func Transition(from, to Status) error {
	if !validTransitions[from][to] {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

// CanPerform проверяет, допустима ли операция в статусе.
func (s Status) CanPerform(op Operation) bool {
	return allowedOperations[s][op]
}

// IsTerminal сообщает, что сессия завершена.
func (s Status) IsTerminal() bool {
	return s == StatusFinalized || s == StatusAborted
}

// ParseStatus преобразует строку в Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if _, ok := validTransitions[st]; !ok {
		return "", fmt.Errorf("недопустимый статус сессии: %q", s)
	}
	return st, nil
}
