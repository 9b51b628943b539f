package skerr_test

import (
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/SAFEHR-data/PIXL-sub000/go/skerr"
)

func TestWrap_NilError_ReturnsNil(t *testing.T) {
	require.NoError(t, skerr.Wrap(nil))
}

func TestWrap_AnnotatesLocationAndPreservesMessage(t *testing.T) {
	err := errors.New("dog too small")
	wrapped := skerr.Wrap(err)
	require.Regexp(t, `dog too small\. At skerr_test\.go:\d+`, wrapped.Error())
	require.Equal(t, err, skerr.Unwrap(wrapped))
}

func TestWrapf_PrependsMessage(t *testing.T) {
	err := errors.New("boom")
	wrapped := skerr.Wrapf(err, "while searching for %d trees", 35)
	require.Regexp(t, `while searching for 35 trees: boom\. At skerr_test\.go:\d+`, wrapped.Error())
}

func TestUnwrap_WalksWholeChain(t *testing.T) {
	base := io.EOF
	wrapped := skerr.Wrap(skerr.Wrapf(base, "outer"))
	require.Equal(t, base, skerr.Unwrap(wrapped))
}

func TestErrorsIs_FindsWrappedSentinel(t *testing.T) {
	wrapped := skerr.Wrap(io.EOF)
	require.True(t, errors.Is(wrapped, io.EOF))
}

func TestErrorsAs_ExtractsConcreteType(t *testing.T) {
	base := &json.SyntaxError{Offset: 32}
	wrapped := skerr.Wrapf(base, "decode JSON")

	var syntaxError *json.SyntaxError
	require.True(t, errors.As(wrapped, &syntaxError))
	require.Equal(t, int64(32), syntaxError.Offset)
}

func TestCallStack_ReturnsRequestedDepth(t *testing.T) {
	var stack []skerr.StackTrace
	func() {
		stack = skerr.CallStack(2, 0)
	}()
	require.Len(t, stack, 2)
	require.Equal(t, "skerr_test.go", stack[0].File)
}
