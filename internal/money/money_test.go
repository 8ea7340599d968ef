package money

import (
	"encoding/json"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimesAndSum(t *testing.T) {
	unit := MustParse("12.73")
	assert.Equal(t, "25.46", unit.Times(2).String())
	assert.Equal(t, "30.46", Sum(unit.Times(2), MustParse("5")).String())
	assert.True(t, Sum().Equal(Zero))
}

func TestDynamoRoundTrip(t *testing.T) {
	av, err := MustParse("99.90").MarshalDynamoDBAttributeValue()
	require.NoError(t, err)
	n, ok := av.(*types.AttributeValueMemberN)
	require.True(t, ok)
	assert.Equal(t, "99.9", n.Value)

	var out Money
	require.NoError(t, out.UnmarshalDynamoDBAttributeValue(av))
	assert.Equal(t, "99.90", out.String())

	require.Error(t, out.UnmarshalDynamoDBAttributeValue(&types.AttributeValueMemberBOOL{Value: true}))
}

func TestJSONUsesStrings(t *testing.T) {
	body, err := json.Marshal(struct {
		Total Money `json:"total"`
	}{Total: MustParse("10.50")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"total":"10.5"}`, string(body))

	var in struct {
		Total Money `json:"total"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"total":"7.25"}`), &in))
	assert.Equal(t, "7.25", in.Total.String())
}

func TestFromCents(t *testing.T) {
	assert.Equal(t, "12.73", FromCents(1273).String())
	assert.Equal(t, 12.73, FromCents(1273).Float())
}
