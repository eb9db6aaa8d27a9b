package dispatch

import "errors"

var (
	// ErrNoRoute возвращается резолвером когда направление для запроса
	// не найдено. Движок форвардинга отвечает 404 Not Found на входящую
	// ногу и не создает исходящий вызов.
	ErrNoRoute = errors.New("направление не найдено")

	// ErrAlreadyStarted возвращается при повторном запуске пула.
	ErrAlreadyStarted = errors.New("пул воркеров уже запущен")
)
