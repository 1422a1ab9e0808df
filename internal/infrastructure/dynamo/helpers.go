package dynamo

import (
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// strKey builds a DynamoDB primary key map with a single string attribute.
func strKey(name, value string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		name: &types.AttributeValueMemberS{Value: value},
	}
}

// chunk splits reqs into slices of at most size elements.
func chunk(reqs []types.WriteRequest, size int) [][]types.WriteRequest {
	var out [][]types.WriteRequest
	for len(reqs) > size {
		out = append(out, reqs[:size])
		reqs = reqs[size:]
	}
	if len(reqs) > 0 {
		out = append(out, reqs)
	}
	return out
}

// sameCodes compares code lists; order is not significant.
func sameCodes(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, c := range a {
		set[c] = struct{}{}
	}
	for _, c := range b {
		if _, ok := set[c]; !ok {
			return false
		}
	}
	return true
}
