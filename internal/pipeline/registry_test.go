package pipeline

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func code(n int) string {
	return fmt.Sprintf("IT001E%08d", n)
}

func TestClassifyMeter(t *testing.T) {
	assert.Equal(t, MeterHourly, ClassifyMeter("O"))
	assert.Equal(t, MeterHourly, ClassifyMeter(" orario "))
	assert.Equal(t, MeterHourly, ClassifyMeter("TM"))
	assert.Equal(t, MeterNonHourly, ClassifyMeter("m"))
	assert.Equal(t, MeterNonHourly, ClassifyMeter("FASCE"))
	assert.Equal(t, MeterUnknown, ClassifyMeter(""))
	assert.Equal(t, MeterUnknown, ClassifyMeter("X9"))
}

func TestRegistry_ClassifiesEveryValidAccountOnce(t *testing.T) {
	// Setup
	text := strings.Join([]string{
		"POD;TRATTAMENTO;COMUNE",
		code(1) + ";O;Roma",
		code(2) + ";M;Roma",
		code(3) + ";;Roma",
		code(4) + ";??;Roma",
		code(1) + ";M;Roma",
		"IT12;O;Roma",
		"not-a-code;O;Roma",
		code(5) + ";ORARIO;Roma",
	}, "\n")
	reg := NewRegistry()

	// Execute
	reg.AddRegistry("registry.csv", text)
	reg.Finalize()

	// Assert
	assert.Equal(t, 8, reg.RawRows)
	assert.Equal(t, 2, reg.InvalidRows)
	assert.Equal(t, []string{code(1), code(3), code(4), code(5)}, reg.Hourly())
	assert.Equal(t, []string{code(2)}, reg.NonHourly())
	assert.Equal(t, reg.ValidAccounts(), len(reg.Hourly())+len(reg.NonHourly()))
	assert.Equal(t, 2, reg.Defaulted)
	assert.Equal(t, 1, reg.Conflicting)
	assert.Contains(t, reg.Warnings, "2 rows with an empty or unrecognised meter class classified as hourly")
}

func TestRegistry_SniffsAccountColumnWithoutHeaderMatch(t *testing.T) {
	text := "ID,CODE,CLASS\n1," + code(7) + ",O\n2," + code(8) + ",M\n"
	reg := NewRegistry()

	reg.AddRegistry("r.csv", text)
	reg.Finalize()

	assert.Equal(t, []string{code(7)}, reg.Hourly())
	assert.Equal(t, []string{code(8)}, reg.NonHourly())
}

func TestRegistry_MissingMeterClassDefaultsToHourly(t *testing.T) {
	reg := NewRegistry()

	reg.AddRegistry("r.csv", "POD\n"+code(1)+"\n"+code(2)+"\n")
	reg.Finalize()

	assert.Len(t, reg.Hourly(), 2)
	assert.Equal(t, 2, reg.Defaulted)
	assert.Contains(t, reg.Warnings, "r.csv: no meter class column, every account defaults to hourly")
}

func TestRegistry_UnreadableFileOnlyWarns(t *testing.T) {
	reg := NewRegistry()

	reg.AddRegistry("junk.csv", "a;b\nx;y\n")
	reg.Finalize()

	assert.Empty(t, reg.Hourly())
	require.NotEmpty(t, reg.Warnings)
	assert.Contains(t, reg.Warnings[0], "junk.csv: column \"account_code\" not found")
}

func TestRegistry_LightingDeduction(t *testing.T) {
	reg := NewRegistry()
	reg.AddRegistry("r.csv", "POD;TRATTAMENTO\n"+code(1)+";O\n"+code(2)+";O\n"+code(3)+";O\n")
	reg.AddLightingDetail("lighting.csv", "IMPIANTO;NOTE\nlamp 1;"+code(2)+"\n"+code(9)+";x\n")

	reg.Finalize()

	assert.Equal(t, []string{code(1), code(3)}, reg.Hourly())
	assert.Equal(t, 1, reg.LightingDeducted)
	assert.Equal(t, 2, reg.LightingAccounts())
}

func TestDeduct_Idempotent(t *testing.T) {
	hourly := []string{code(1), code(2), code(3), code(4)}
	lighting := map[string]struct{}{code(2): {}, code(4): {}, code(99): {}}

	once, removed := Deduct(hourly, lighting)
	twice, removedAgain := Deduct(once, lighting)

	assert.Equal(t, 2, removed)
	assert.Equal(t, 0, removedAgain)
	assert.Equal(t, once, twice)
}
