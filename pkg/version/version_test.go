package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Info
		wantErr bool
	}{
		{name: "full semver", input: "1.2.3", want: Info{Major: 1, Minor: 2, Patch: 3}},
		{name: "major.minor only", input: "0.9", want: Info{Major: 0, Minor: 9, Patch: 0}},
		{name: "v prefix", input: "v2.0.1", want: Info{Major: 2, Minor: 0, Patch: 1}},
		{name: "trailing prerelease ignored", input: "1.4.0-rc1", want: Info{Major: 1, Minor: 4, Patch: 0}},
		{name: "garbage", input: "not-a-version", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompatibleMajorMinor(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want bool
	}{
		{name: "same major.minor", a: "1.2.0", b: "1.2.5", want: true},
		{name: "patch differs only", a: "1.2.9", b: "1.2.0", want: true},
		{name: "minor differs", a: "1.2.0", b: "1.3.0", want: false},
		{name: "major differs", a: "2.0.0", b: "1.0.0", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := Parse(tt.a)
			require.NoError(t, err)
			b, err := Parse(tt.b)
			require.NoError(t, err)
			assert.Equal(t, tt.want, CompatibleMajorMinor(a, b))
		})
	}
}
