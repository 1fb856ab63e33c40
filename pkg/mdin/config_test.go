package mdin

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/autorun/pkg/catalog"
)

func TestMaterializeIsDeterministic(t *testing.T) {
	p := catalog.DefaultParams()
	stages, err := catalog.Build(p)
	require.NoError(t, err)

	for _, s := range stages {
		t.Run(s.Name, func(t *testing.T) {
			a := Materialize(s, p).Render()
			b := Materialize(s, p).Render()
			assert.True(t, bytes.Equal(a, b), "render differs for %s", s.Name)
		})
	}
}

func TestMaterializeTitleOnFirstLine(t *testing.T) {
	p := catalog.DefaultParams()
	stages, err := catalog.Build(p)
	require.NoError(t, err)

	heat, _ := catalog.Find(stages, "heat")
	out := Materialize(heat, p).Render()
	first, _, _ := bytes.Cut(out, []byte("\n"))
	assert.Equal(t, heat.Title, string(first))
}

func TestMaterializeRestraintWeightMatchesTitle(t *testing.T) {
	p := catalog.DefaultParams()
	p.Restraint.Schedule = catalog.ScheduleGeometric
	p.Restraint.Start = 5
	p.Restraint.Factor = 0.5
	p.Restraint.Floor = 0.01
	stages, err := catalog.Build(p)
	require.NoError(t, err)

	equil8, ok := catalog.Find(stages, "equil8")
	require.True(t, ok)
	require.Equal(t, 0.039063, equil8.RestraintWeight)

	c := Materialize(equil8, p)
	wt, _ := c.Get("restraint_wt")
	assert.Equal(t, "0.039063", wt)
	assert.Contains(t, equil8.Title, "restraint 0.039063 ")
}

func TestMaterializeFields(t *testing.T) {
	p := catalog.DefaultParams()
	stages, err := catalog.Build(p)
	require.NoError(t, err)

	min1, _ := catalog.Find(stages, "min1")
	c := Materialize(min1, p)
	assert.True(t, c.Minimization())
	assert.True(t, c.Restrained())
	assert.Zero(t, c.TotalSteps)
	wt, _ := c.Get("restraint_wt")
	assert.Equal(t, "5.0", wt)

	prod, _ := catalog.Find(stages, "prod")
	c = Materialize(prod, p)
	assert.False(t, c.Minimization())
	assert.False(t, c.Restrained())
	n, err := c.Int("nstlim")
	require.NoError(t, err)
	assert.Equal(t, 5000000, n)
	assert.Equal(t, 5000000, c.TotalSteps)
	irest, _ := c.Get("irest")
	assert.Equal(t, "1", irest)
	assert.Empty(t, c.Pending())
}

func TestAMDStageLeavesPlaceholders(t *testing.T) {
	p := catalog.DefaultParams()
	stages, err := catalog.Build(p)
	require.NoError(t, err)

	amd, _ := catalog.Find(stages, "amd")
	c := Materialize(amd, p)
	assert.Equal(t, []string{"alphad", "alphap", "ethreshd", "ethreshp"}, c.Pending())

	rendered := string(c.Render())
	for _, tok := range []string{"@ETHRESHP@", "@ALPHAP@", "@ETHRESHD@", "@ALPHAD@"} {
		assert.Contains(t, rendered, tok)
	}

	require.NoError(t, c.Fill(map[string]float64{
		FieldEthreshP: -52000.5,
		FieldAlphaP:   3200,
		FieldEthreshD: 1450.25,
		FieldAlphaD:   140,
	}))
	assert.Empty(t, c.Pending())
	v, _ := c.Get(FieldAlphaP)
	assert.Equal(t, "3200.0", v)

	err = c.Fill(map[string]float64{FieldAlphaP: 1})
	assert.Error(t, err, "filling a non-pending field must fail")
}

func TestParseRoundTrip(t *testing.T) {
	p := catalog.DefaultParams()
	stages, err := catalog.Build(p)
	require.NoError(t, err)

	for _, s := range stages {
		t.Run(s.Name, func(t *testing.T) {
			orig := Materialize(s, p).Render()
			parsed, err := Parse(orig)
			require.NoError(t, err)
			assert.Equal(t, string(orig), string(parsed.Render()))
		})
	}
}

func TestParseHandEditedLines(t *testing.T) {
	in := []byte(`equil: hand edited
 &cntrl
  imin = 0, nstlim = 2000, restraintmask = ':1-20,25 & !@H=', ! note
  ntr = 1,
  ! total_nstlim = 10000
 /
END
`)
	c, err := Parse(in)
	require.NoError(t, err)

	assert.Equal(t, "equil: hand edited", c.Title)
	n, err := c.Int("nstlim")
	require.NoError(t, err)
	assert.Equal(t, 2000, n)
	mask, _ := c.Get("restraintmask")
	assert.Equal(t, "':1-20,25 & !@H='", mask)
	assert.Equal(t, 10000, c.TotalSteps)
	assert.True(t, c.Restrained())
	assert.Equal(t, []string{"END"}, c.Trailer)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"no block", "title only\n"},
		{"unterminated", "title\n &cntrl\n  imin = 1,\n"},
		{"garbage before block", "title\nnonsense\n &cntrl\n /\n"},
		{"malformed", "title\n &cntrl\n  imin 1,\n /\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.in))
			assert.Error(t, err)
		})
	}
}
