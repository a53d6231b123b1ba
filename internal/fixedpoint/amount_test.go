package fixedpoint

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAndFormat(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		units string
		out   string
	}{
		{"whole", "100", "100000000000000000000", "100"},
		{"fraction", "0.5", "500000000000000000", "0.5"},
		{"smallest unit", "0.000000000000000001", "1", "0.000000000000000001"},
		{"zero", "0", "0", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.units, a.String())
			assert.Equal(t, tt.out, a.Format())
		})
	}
}

func TestParseRejects(t *testing.T) {
	for _, in := range []string{"-1", "abc", "0.0000000000000000001", ""} {
		_, err := Parse(in)
		assert.ErrorIs(t, err, ErrInvalidDecimal, in)
	}
}

func TestSubUnderflow(t *testing.T) {
	_, err := FromUint64(1).Sub(FromUint64(2))
	require.ErrorIs(t, err, ErrArithmeticOverflow)

	d, err := FromUint64(5).Sub(FromUint64(2))
	require.NoError(t, err)
	assert.Equal(t, FromUint64(3), d)
}

func TestMulDivWideIntermediate(t *testing.T) {
	// 1e9 units at 18 decimals squared is ~1e54, far beyond 64 bits and close
	// to the 256-bit range once multiplied again.
	supply := Units(1_000_000_000)
	big1, err := supply.Mul(supply)
	require.NoError(t, err)

	got, err := MulDiv(big1, big1, big1, Floor)
	require.NoError(t, err, "a*b exceeds 256 bits but the quotient fits")
	assert.Equal(t, big1, got)
}

func TestMulDivOverflow(t *testing.T) {
	maxWord, err := FromBig(new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1)))
	require.NoError(t, err)

	_, err = MulDiv(maxWord, FromUint64(2), FromUint64(1), Floor)
	assert.ErrorIs(t, err, ErrArithmeticOverflow)

	_, err = maxWord.Add(FromUint64(1))
	assert.ErrorIs(t, err, ErrArithmeticOverflow)
}

func TestMulDivRounding(t *testing.T) {
	floor, err := MulDiv(FromUint64(100), FromUint64(297), FromUint64(300), Floor)
	require.NoError(t, err)
	assert.Equal(t, FromUint64(99), floor)

	floor, err = MulDiv(FromUint64(10), FromUint64(1), FromUint64(3), Floor)
	require.NoError(t, err)
	assert.Equal(t, FromUint64(3), floor)

	ceil, err := MulDiv(FromUint64(10), FromUint64(1), FromUint64(3), Ceil)
	require.NoError(t, err)
	assert.Equal(t, FromUint64(4), ceil)

	exact, err := MulDiv(FromUint64(9), FromUint64(1), FromUint64(3), Ceil)
	require.NoError(t, err)
	assert.Equal(t, FromUint64(3), exact)
}

func TestMulDivByZero(t *testing.T) {
	_, err := MulDiv(FromUint64(1), FromUint64(1), Zero(), Floor)
	assert.ErrorIs(t, err, ErrDivisionByZero)
}

func TestBps(t *testing.T) {
	fee, err := Bps(FromUint64(1000), 50)
	require.NoError(t, err)
	assert.Equal(t, FromUint64(5), fee)

	fee, err = Bps(FromUint64(199), 50)
	require.NoError(t, err)
	assert.Equal(t, Zero(), fee, "fees floor")
}

func TestFixedProducts(t *testing.T) {
	price := MustParse("1.02")
	v, err := MulFixed(Units(100), price, Floor)
	require.NoError(t, err)
	assert.Equal(t, "102", v.Format())

	q, err := DivFixed(Units(102), price, Floor)
	require.NoError(t, err)
	assert.Equal(t, "100", q.Format())
}

func TestJSONAndSQL(t *testing.T) {
	a := MustParse("12.5")
	data, err := json.Marshal(a)
	require.NoError(t, err)
	assert.JSONEq(t, `"12500000000000000000"`, string(data))

	var back Amount
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, a, back)

	assert.Error(t, json.Unmarshal([]byte(`12`), &back))

	v, err := a.Value()
	require.NoError(t, err)
	var scanned Amount
	require.NoError(t, scanned.Scan(v))
	assert.Equal(t, a, scanned)
	require.NoError(t, scanned.Scan([]byte("7")))
	assert.Equal(t, FromUint64(7), scanned)
}

func TestSumAndMin(t *testing.T) {
	total, err := Sum(FromUint64(1), FromUint64(2), FromUint64(3))
	require.NoError(t, err)
	assert.Equal(t, FromUint64(6), total)
	assert.Equal(t, FromUint64(1), Min(FromUint64(1), FromUint64(2)))
	assert.True(t, FromUint64(2).Gte(FromUint64(2)))
}
