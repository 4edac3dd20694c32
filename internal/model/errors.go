package model

import "errors"

var (
	// ErrValidation возвращается при некорректных или неполных входных данных.
	ErrValidation = errors.New("validation error")
	// ErrNotFound возвращается, если заказ отсутствует или находится в другом статусе.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState возвращается, если операция недопустима для текущего статуса.
	ErrInvalidState = errors.New("invalid state")
	// ErrConflict возвращается при повторном неидемпотентном переходе.
	ErrConflict = errors.New("conflict")
)
