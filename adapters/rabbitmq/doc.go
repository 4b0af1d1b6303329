/*
Package rabbitmq provides a RabbitMQ transport for the distributed bus.
It maps streams and consumer groups onto a direct exchange with one durable queue per
group, and pattern pub/sub onto a topic exchange. The connection reconnects with
exponential backoff.
*/
package rabbitmq
