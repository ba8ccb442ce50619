package httpd

import "errors"

var (
	ErrBadRequest        = errors.New("httpd: bad request")
	ErrHeaderTooLarge    = errors.New("httpd: header too large")
	ErrBodyTooLarge      = errors.New("httpd: request body too large")
	ErrProtocolViolation = errors.New("httpd: response header committed twice")
	ErrContentLength     = errors.New("httpd: wrote more than the declared Content-Length")
	ErrBodyNotAllowed    = errors.New("httpd: status or method does not allow a body")
	ErrHijacked          = errors.New("httpd: connection has been hijacked")
	ErrWriteAfterFinish  = errors.New("httpd: write after response finished")
	ErrServerClosed      = errors.New("httpd: server closed")
)
