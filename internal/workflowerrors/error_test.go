package workflowerrors

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_FromError_Nil(t *testing.T) {
	err := FromError(nil)
	require.Nil(t, err)
}

func Test_FromError_DoesNotWrapAgain(t *testing.T) {
	err := FromError(errors.New("foo"))

	err2 := FromError(err)
	require.Same(t, err, err2)
	require.NoError(t, errors.Unwrap(err2))
}

func Test_FromError_KeepsCause(t *testing.T) {
	input := fmt.Errorf("outer: %w", errors.New("inner"))
	e := FromError(input)

	require.Equal(t, "outer: inner", e.Error())

	var cause *Error
	require.ErrorAs(t, e.Unwrap(), &cause)
	require.Equal(t, "inner", cause.Message)
}

func Test_WithActivity(t *testing.T) {
	input := FromError(errors.New("foo"))
	e := WithActivity(input, "1.2")

	require.Equal(t, "1.2", e.ActivityID)
	require.Empty(t, input.ActivityID)
}

func Test_ToError_KeepsUnknownTypes(t *testing.T) {
	e := FromError(errors.New("foo"))

	var out *Error
	require.ErrorAs(t, ToError(e), &out)
	require.NotSame(t, e, out)
	require.Equal(t, "foo", out.Message)
}

func Test_JSONRoundTrip(t *testing.T) {
	input := WithActivity(fmt.Errorf("outer: %w", errors.New("inner")), "1.1")

	b, err := json.Marshal(input)
	require.NoError(t, err)

	var output Error
	require.NoError(t, json.Unmarshal(b, &output))

	require.Equal(t, input.Message, output.Message)
	require.Equal(t, "1.1", output.ActivityID)
	require.Equal(t, "inner", output.Unwrap().Error())
}
