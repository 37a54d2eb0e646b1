package main

import (
	orderCache "github.com/davicafu/orderflow/internal/order/infra/outbound/cache"
	infraEvents "github.com/davicafu/orderflow/internal/shared/infra/events"
)

// Adaptadores io.Closer para cerrar los recursos en orden inverso al apagar.

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

type redisCacheCloser struct {
	*orderCache.RedisCache
	close func() error
}

func (c *redisCacheCloser) Close() error { return c.close() }

type inMemoryCacheCloser struct {
	*orderCache.InMemoryCache
}

func (c *inMemoryCacheCloser) Close() error {
	c.Stop()
	return nil
}

type kafkaPublisherCloser struct {
	*infraEvents.KafkaPublisher
	close func() error
}

func (p *kafkaPublisherCloser) Close() error { return p.close() }

type stanPublisherCloser struct {
	*infraEvents.StanPublisher
	close func() error
}

func (p *stanPublisherCloser) Close() error { return p.close() }
