package observability

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const TxHashKey attribute.Key = "tx.hash"
const ChainKey attribute.Key = "chain"
const ValidatorKey attribute.Key = "validator"
const NodeIDKey attribute.Key = "service.node.name" // ECS convention

func TxHash(hash string) attribute.KeyValue {
	return TxHashKey.String(hash)
}

func Validator(id string) attribute.KeyValue {
	return ValidatorKey.String(id)
}

func Chain(id string) attribute.KeyValue {
	return ChainKey.String(id)
}

/*
Route returns measurement option with the source and destination chain
attributes (plus "extra" attributes) of a transfer.
*/
func Route(source, destination string, extra ...attribute.KeyValue) metric.MeasurementOption {
	return metric.WithAttributeSet(attribute.NewSet(
		append(
			extra,
			attribute.String("chain.source", source),
			attribute.String("chain.destination", destination),
		)...,
	))
}

/*
ErrStatus returns attribute named "status" with value "ok" if the param
err is nil and "err" when it is not.
*/
func ErrStatus(err error) attribute.KeyValue {
	status := "ok"
	if err != nil {
		status = "err"
	}
	return attribute.String("status", status)
}
