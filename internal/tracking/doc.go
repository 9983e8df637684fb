// Package tracking moves delivery reports over SQS. The consumer accepts
// the engine's own DeliveryEvent JSON as well as SES event notifications,
// raw or wrapped in an SNS envelope.
package tracking
