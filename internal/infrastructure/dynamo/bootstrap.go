package dynamo

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/go-join-verify/internal/pkg/logger"
)

// TableCreator is the subset of the DynamoDB client Bootstrap needs.
type TableCreator interface {
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// Bootstrap creates the pending verifications table if it doesn't already exist.
// Safe to call on every startup; an existing table is left untouched.
func Bootstrap(ctx context.Context, client TableCreator, table string, log logger.Logger) {
	_, err := client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(table),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(fieldUserID), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(fieldUserID), KeyType: types.KeyTypeHash},
		},
	})
	if err != nil {
		// ResourceInUseException means the table already exists.
		var riue *types.ResourceInUseException
		if !errors.As(err, &riue) {
			log.Warn().Err(err).Str("table", table).Msg("could not create table")
		}
		return
	}
	log.Info().Str("table", table).Msg("created table")
}
