package db

import "errors"

var (
	ErrNotFound          = errors.New("registro não encontrado")
	ErrUnknownCollection = errors.New("coleção desconhecida")
	ErrUnknownIndex      = errors.New("índice desconhecido")
	ErrConstraint        = errors.New("violação de restrição")
	ErrQuotaExceeded     = errors.New("armazenamento local cheio")
)

// ErrNotSyncable is returned when a local-only collection is written through the outbox path
var ErrNotSyncable = errors.New("coleção não sincronizável")
