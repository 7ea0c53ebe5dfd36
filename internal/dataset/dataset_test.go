package dataset

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCSV = "id,region,revenue,signup\n" +
	"1,north,100.5,2024-01-02\n" +
	"2,south,,01/15/2024\n" +
	"3,north,\"1,200\",2024-03-04\n"

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestParse(t *testing.T) {
	tbl, err := Parse([]byte(sampleCSV))
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "region", "revenue", "signup"}, tbl.Header)
	assert.Len(t, tbl.Rows, 3)
	assert.Equal(t, "1,200", tbl.Rows[2][2])
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want error
	}{
		{"empty file", "", ErrUnsupportedSchema},
		{"header only", "a,b\n", ErrUnsupportedSchema},
		{"blank header", "a,,c\n1,2,3\n", ErrUnsupportedSchema},
		{"duplicate header", "a,a\n1,2\n", ErrUnsupportedSchema},
		{"ragged rows", "a,b\n1,2\n3\n", ErrUnreadable},
		{"bad quoting", "a,b\n\"1,2\n", ErrUnreadable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.in))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, _, err := Load(filepath.Join(t.TempDir(), "nope.csv"))
	assert.ErrorIs(t, err, ErrUnreadable)
}

func TestInfer(t *testing.T) {
	tbl, err := Parse([]byte(sampleCSV))
	require.NoError(t, err)

	s := Infer(tbl)
	assert.Equal(t, []string{"id:numeric", "region:categorical", "revenue:numeric", "signup:date"}, s.Signature())
}

func TestInferYearColumnStaysNumeric(t *testing.T) {
	tbl, err := Parse([]byte("year,value\n2019,1\n2020,2\n2021,3\n"))
	require.NoError(t, err)
	assert.Equal(t, TypeNumeric, Infer(tbl).Columns[0].Type)
}

func TestInferMixedColumn(t *testing.T) {
	tbl, err := Parse([]byte("code\nA1\n12\nB7\nC3\n"))
	require.NoError(t, err)
	col := Infer(tbl).Columns[0]
	assert.Equal(t, TypeCategorical, col.Type)
	assert.True(t, col.Mixed)
}

func TestIsMissing(t *testing.T) {
	for _, v := range []string{"", "  ", "NA", "n/a", "NaN", "null", "None"} {
		assert.True(t, IsMissing(v), v)
	}
	for _, v := range []string{"0", "-", "north"} {
		assert.False(t, IsMissing(v), v)
	}
}

func TestParseNumber(t *testing.T) {
	tests := map[string]float64{
		"42":      42,
		"1,234.5": 1234.5,
		"$99":     99,
		"-$5":     -5,
		"12%":     12,
	}
	for in, want := range tests {
		got, ok := ParseNumber(in)
		require.True(t, ok, in)
		assert.InDelta(t, want, got, 1e-9, in)
	}
	for _, in := range []string{"north", "inf", "Inf", "-inf", "infinity", "+Infinity", "nan", "$inf"} {
		_, ok := ParseNumber(in)
		assert.False(t, ok, in)
	}
}

func TestInferInfinityIsNotNumeric(t *testing.T) {
	tbl, err := Parse([]byte("id,score\n1,10\n2,inf\n3,infinity\n4,\n5,Inf\n"))
	require.NoError(t, err)
	assert.NotEqual(t, TypeNumeric, Infer(tbl).Columns[1].Type)
}

func TestFingerprintSensitivity(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "sales.csv", sampleCSV)

	fingerprintOf := func() string {
		raw, tbl, err := Load(path)
		require.NoError(t, err)
		return Fingerprint(raw, Infer(tbl))
	}

	base := fingerprintOf()
	assert.True(t, ValidFingerprint(base))

	// Touching the file must not change the key.
	later := time.Now().Add(48 * time.Hour)
	require.NoError(t, os.Chtimes(path, later, later))
	assert.Equal(t, base, fingerprintOf())

	// A single cell edit must.
	writeFile(t, dir, "sales.csv", sampleCSV[:len(sampleCSV)-len("2024-03-04\n")]+"2024-03-05\n")
	assert.NotEqual(t, base, fingerprintOf())
}

func TestFingerprintIncludesSchema(t *testing.T) {
	raw := []byte("a\n1\n")
	numeric := Schema{Columns: []Column{{Name: "a", Type: TypeNumeric}}}
	categorical := Schema{Columns: []Column{{Name: "a", Type: TypeCategorical}}}
	assert.NotEqual(t, Fingerprint(raw, numeric), Fingerprint(raw, categorical))
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.csv", sampleCSV)
	writeFile(t, dir, "a.CSV", sampleCSV)
	writeFile(t, dir, "a_cleaned_deadbeef.csv", sampleCSV)
	writeFile(t, dir, "notes.txt", "hi")

	got, err := Discover(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.CSV"), filepath.Join(dir, "b.csv")}, got)
}

func TestArtifactName(t *testing.T) {
	fp := "fp1:0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	assert.Equal(t, "sales_cleaned_01234567.csv", ArtifactName("/data/sales.csv", fp))
}
