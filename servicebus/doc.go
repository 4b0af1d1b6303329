/*
Package servicebus provides the in-process bus together with the pieces both bus
realizations share: the service registry and dispatch, the schema cache, operationId
handling, the WithMeta decorator and the service-layer error adaptors.
*/
package servicebus
