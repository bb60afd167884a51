package messaging

import (
	"errors"
	"fmt"
)

var (
	ErrNotInitialized = errors.New("messaging session not initialized")
	ErrLoginFailed    = errors.New("messaging login failed")
	ErrNotJoined      = errors.New("channel not joined")
	ErrClosed         = errors.New("messaging session closed")
	ErrJoinCancelled  = errors.New("channel join cancelled by leave")
)

// LoginErrorCode is the closed set of login failures reported by a backend.
type LoginErrorCode int

const (
	LoginErrorFailure LoginErrorCode = iota + 1
	LoginErrorRejected
	LoginErrorInvalidArgument
	LoginErrorInvalidAppID
	LoginErrorInvalidToken
	LoginErrorTokenExpired
	LoginErrorNotAuthorized
	LoginErrorAlreadyLoggedIn
	LoginErrorTimeout
	LoginErrorTooOften
	LoginErrorNotInitialized
)

var loginErrorNames = map[LoginErrorCode]string{
	LoginErrorFailure:         "failure",
	LoginErrorRejected:        "rejected",
	LoginErrorInvalidArgument: "invalid argument",
	LoginErrorInvalidAppID:    "invalid app id",
	LoginErrorInvalidToken:    "invalid token",
	LoginErrorTokenExpired:    "token expired",
	LoginErrorNotAuthorized:   "not authorized",
	LoginErrorAlreadyLoggedIn: "already logged in",
	LoginErrorTimeout:         "timeout",
	LoginErrorTooOften:        "too often",
	LoginErrorNotInitialized:  "not initialized",
}

func (c LoginErrorCode) Error() string {
	return fmt.Sprintf("login error %d: %s", int(c), codeName(loginErrorNames, c))
}

// JoinErrorCode is the closed set of channel join failures.
type JoinErrorCode int

const (
	JoinErrorFailure JoinErrorCode = iota + 1
	JoinErrorRejected
	JoinErrorInvalidArgument
	JoinErrorTimeout
	JoinErrorExceedLimit
	JoinErrorAlreadyJoined
	JoinErrorTooOften
	JoinErrorNotInitialized
	JoinErrorNotLoggedIn
)

var joinErrorNames = map[JoinErrorCode]string{
	JoinErrorFailure:         "failure",
	JoinErrorRejected:        "rejected",
	JoinErrorInvalidArgument: "invalid argument",
	JoinErrorTimeout:         "timeout",
	JoinErrorExceedLimit:     "exceed limit",
	JoinErrorAlreadyJoined:   "already joined",
	JoinErrorTooOften:        "too often",
	JoinErrorNotInitialized:  "not initialized",
	JoinErrorNotLoggedIn:     "not logged in",
}

func (c JoinErrorCode) Error() string {
	return fmt.Sprintf("join error %d: %s", int(c), codeName(joinErrorNames, c))
}

// SendErrorCode is the closed set of delivery failures for channel and peer messages.
type SendErrorCode int

const (
	SendErrorFailure SendErrorCode = iota + 1
	SendErrorTimeout
	SendErrorTooOften
	SendErrorInvalidMessage
	SendErrorNotInitialized
	SendErrorNotLoggedIn
	SendErrorPeerUnreachable
	SendErrorCachedByServer
	SendErrorInvalidUserID
	SendErrorIncompatibleMessage
)

var sendErrorNames = map[SendErrorCode]string{
	SendErrorFailure:             "failure",
	SendErrorTimeout:             "timeout",
	SendErrorTooOften:            "too often",
	SendErrorInvalidMessage:      "invalid message",
	SendErrorNotInitialized:      "not initialized",
	SendErrorNotLoggedIn:         "not logged in",
	SendErrorPeerUnreachable:     "peer unreachable",
	SendErrorCachedByServer:      "cached by server",
	SendErrorInvalidUserID:       "invalid user id",
	SendErrorIncompatibleMessage: "incompatible message",
}

func (c SendErrorCode) Error() string {
	return fmt.Sprintf("send error %d: %s", int(c), codeName(sendErrorNames, c))
}

func codeName[C comparable](names map[C]string, c C) string {
	if n, ok := names[c]; ok {
		return n
	}
	return "unknown"
}

// loginCode maps any login error onto the closed code set.
func loginCode(err error) LoginErrorCode {
	var code LoginErrorCode
	if errors.As(err, &code) {
		return code
	}
	return LoginErrorFailure
}

// LoginFailure returns the failure code carried by err, if any.
func LoginFailure(err error) (LoginErrorCode, bool) {
	var code LoginErrorCode
	ok := errors.As(err, &code)
	return code, ok
}
