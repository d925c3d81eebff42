package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSide(t *testing.T) {
	assert.Equal(t, SideBuy, ParseSide("buy"))
	assert.Equal(t, SideSell, ParseSide(" SELL "))
	assert.Equal(t, SideUnknown, ParseSide("hold"))
	assert.False(t, SideUnknown.IsValid())
}

func TestSideJSON(t *testing.T) {
	b, err := json.Marshal(struct {
		Side Side `json:"side"`
	}{SideSell})
	require.NoError(t, err)
	assert.JSONEq(t, `{"side":"SELL"}`, string(b))

	var out struct {
		Side Side `json:"side"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"side":"buy"}`), &out))
	assert.Equal(t, SideBuy, out.Side)
	assert.Error(t, json.Unmarshal([]byte(`{"side":"hold"}`), &out))
}

func TestNormalizeTags(t *testing.T) {
	assert.Equal(t, []string{"momentum", "dip"}, NormalizeTags([]string{" Momentum", "", "dip", "MOMENTUM "}))
	assert.Nil(t, NormalizeTags(nil))
}

func TestEpochRankOf(t *testing.T) {
	e := Epoch{Rankings: []Ranking{{AgentID: "a", Rank: 1}, {AgentID: "b", Rank: 2}}}
	assert.Equal(t, 2, e.RankOf("b"))
	assert.Equal(t, 0, e.RankOf("z"))
}
