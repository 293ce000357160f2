package mathutil

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClamp(t *testing.T) {
	require.Equal(t, int64(0), Clamp(-5, 0, 100))
	require.Equal(t, int64(100), Clamp(140, 0, 100))
	require.Equal(t, int64(60), Clamp(60, 0, 100))
}

func TestDivRound(t *testing.T) {
	require.Equal(t, big.NewInt(2), DivRound(big.NewInt(3), big.NewInt(2)))
	require.Equal(t, big.NewInt(1), DivRound(big.NewInt(4), big.NewInt(3)))
	require.Equal(t, big.NewInt(0), DivRound(big.NewInt(1), big.NewInt(3)))
	require.Equal(t, big.NewInt(60), DivRound(big.NewInt(600000), big.NewInt(10000)))
}

func TestScaleDecimal(t *testing.T) {
	v, err := ScaleDecimal("2419.53017264", 8)
	require.NoError(t, err)
	require.Equal(t, "241953017264", v.String())

	v, err = ScaleDecimal("2000", 8)
	require.NoError(t, err)
	require.Equal(t, "200000000000", v.String())

	v, err = ScaleDecimal("0.999999995", 8)
	require.NoError(t, err)
	require.Equal(t, "100000000", v.String(), "ninth digit rounds half up")

	v, err = ScaleDecimal("0.9999999949", 8)
	require.NoError(t, err)
	require.Equal(t, "99999999", v.String())

	v, err = ScaleDecimal(".5", 8)
	require.NoError(t, err)
	require.Equal(t, "50000000", v.String())

	// Values beyond float64 precision stay exact.
	v, err = ScaleDecimal("123456789123456789.12345678", 8)
	require.NoError(t, err)
	require.Equal(t, "12345678912345678912345678", v.String())

	_, err = ScaleDecimal("", 8)
	require.Error(t, err)
	_, err = ScaleDecimal("-1.5", 8)
	require.Error(t, err)
	_, err = ScaleDecimal("12a.5", 8)
	require.Error(t, err)
	_, err = ScaleDecimal("1.2.3", 8)
	require.Error(t, err)
}

func TestFormatUnits(t *testing.T) {
	require.Equal(t, "1.5", FormatUnits(big.NewInt(1_500_000), 6))
	require.Equal(t, "0.0001", FormatUnits(big.NewInt(100_000_000_000_000), 18))
	require.Equal(t, "250000", FormatUnits(big.NewInt(250_000_000_000), 6))
	require.Equal(t, "0", FormatUnits(big.NewInt(0), 18))
	require.Equal(t, "-2.5", FormatUnits(big.NewInt(-2_500_000), 6))
	require.Equal(t, "42", FormatUnits(big.NewInt(42), 0))
}

func TestParseBig(t *testing.T) {
	v, err := ParseBig("123456789123456789123456789")
	require.NoError(t, err)
	require.Equal(t, "123456789123456789123456789", v.String())

	_, err = ParseBig("")
	require.Error(t, err)
	_, err = ParseBig("0x12")
	require.Error(t, err)
}

func TestClampBig(t *testing.T) {
	lo, hi := big.NewInt(0), big.NewInt(100)
	require.Equal(t, big.NewInt(0), ClampBig(big.NewInt(-3), lo, hi))
	require.Equal(t, big.NewInt(100), ClampBig(big.NewInt(103), lo, hi))
	require.Equal(t, big.NewInt(55), ClampBig(big.NewInt(55), lo, hi))
}

func TestMinAbsBig(t *testing.T) {
	require.Equal(t, big.NewInt(3), MinBig(big.NewInt(3), big.NewInt(9)))
	require.Equal(t, big.NewInt(7), AbsBig(big.NewInt(-7)))
}
