package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	got []Notification
	err error
}

func (r *recorder) Notify(_ context.Context, n Notification) error {
	r.got = append(r.got, n)
	return r.err
}

func TestMulti_FansOutAndJoinsErrors(t *testing.T) {
	ok := &recorder{}
	bad := &recorder{err: errors.New("no display")}
	m := Multi{ok, bad, NewLogNotifier(nil)}

	err := m.Notify(context.Background(), Notification{Kind: KindTaskComplete, Title: "done"})
	assert.Error(t, err)
	assert.Len(t, ok.got, 1)
	assert.Len(t, bad.got, 1)
}

func TestOSANotifier_Script(t *testing.T) {
	var gotArgs []string
	o := &OSANotifier{
		Timeout: time.Second,
		run: func(_ context.Context, name string, args ...string) ([]byte, error) {
			gotArgs = append([]string{name}, args...)
			return nil, nil
		},
	}

	err := o.Notify(context.Background(), Notification{Title: `agent "api"`, Message: `needs input`})
	require.NoError(t, err)
	require.Len(t, gotArgs, 3)
	assert.Equal(t, "osascript", gotArgs[0])
	assert.Contains(t, gotArgs[2], `subtitle "agent \"api\""`)
	assert.Contains(t, gotArgs[2], `display notification "needs input"`)
}

func TestOSANotifier_Error(t *testing.T) {
	o := &OSANotifier{
		Timeout: time.Second,
		run: func(context.Context, string, ...string) ([]byte, error) {
			return []byte("not allowed"), errors.New("exit 1")
		},
	}
	err := o.Notify(context.Background(), Notification{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not allowed")
}
