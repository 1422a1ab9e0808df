package dynamo

// DynamoDB attribute names.
// Using constants prevents silent runtime bugs caused by key typos.
const (
	fieldUserID = "user_id"
)

// maxBatchWrite is the DynamoDB limit on requests per BatchWriteItem call.
const maxBatchWrite = 25

// maxBatchAttempts bounds resubmission of unprocessed batch items.
const maxBatchAttempts = 3
