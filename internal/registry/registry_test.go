package registry

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trader_go/internal/domain"
)

type greeter interface{ Greet() string }

type english struct{ name string }

func (e english) Greet() string { return "hello " + e.name }

func TestRegistry_RegisterAndBuild(t *testing.T) {
	r := New()
	require.NoError(t, Register(r, "greeter", "en", func(p Props) (greeter, error) {
		return english{name: p.String("name", "world")}, nil
	}))

	g, err := Build[greeter](r, "greeter", "en", Props{"name": "desk"})
	require.NoError(t, err)
	assert.Equal(t, "hello desk", g.Greet())

	g, err = Build[greeter](r, "greeter", "en", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello world", g.Greet())
}

func TestRegistry_Errors(t *testing.T) {
	r := New()
	f := func(Props) (greeter, error) { return english{}, nil }
	require.NoError(t, Register(r, "greeter", "en", f))
	assert.Error(t, Register(r, "greeter", "en", f), "duplicate key")

	_, err := Build[greeter](r, "greeter", "fr", nil)
	assert.Equal(t, domain.ErrCodeUnknownProvider, domain.CodeOf(err))

	_, err = Build[string](r, "greeter", "en", nil)
	assert.Error(t, err, "type mismatch")

	boom := errors.New("boom")
	require.NoError(t, Register(r, "greeter", "broken", func(Props) (greeter, error) { return nil, boom }))
	_, err = Build[greeter](r, "greeter", "broken", nil)
	assert.ErrorIs(t, err, boom)
}

func TestRegistry_Purposes(t *testing.T) {
	r := New()
	f := func(Props) (greeter, error) { return english{}, nil }
	require.NoError(t, Register(r, "greeter", "zh", f))
	require.NoError(t, Register(r, "greeter", "en", f))
	require.NoError(t, Register(r, "other", "x", f))

	assert.Equal(t, []string{"en", "zh"}, r.Purposes("greeter"))
}

func TestProps(t *testing.T) {
	p := Props{"n": "12", "bad": "x", "list": " a, b,,c ", "ratio": "0.1"}
	assert.Equal(t, 12, p.Int("n", 1))
	assert.Equal(t, 1, p.Int("bad", 1))
	assert.Equal(t, 7, p.Int("missing", 7))
	assert.Equal(t, []string{"a", "b", "c"}, p.Strings("list"))
	assert.Nil(t, p.Strings("missing"))
	assert.True(t, p.Decimal("ratio", decimal.Zero).Equal(decimal.RequireFromString("0.1")))
	assert.True(t, p.Decimal("bad", decimal.NewFromInt(3)).Equal(decimal.NewFromInt(3)))
}
