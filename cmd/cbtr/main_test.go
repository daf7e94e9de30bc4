package main

import (
	"context"
	"io"
	"log"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/VenkatGGG/cbtr/internal/config"
	"github.com/VenkatGGG/cbtr/internal/earlybird"
	"github.com/VenkatGGG/cbtr/internal/result"
)

func TestNewRegistryRegistersPlatforms(t *testing.T) {
	registry, err := newRegistry(config.Config{CDPBaseURL: "http://127.0.0.1:9222"}, log.New(io.Discard, "", 0))
	require.NoError(t, err)
	require.Equal(t, []string{browserStackPlatform, localPlatform}, registry.Names())
}

func TestStoresDefaultToMemory(t *testing.T) {
	store, closeStore := newEarlyBirdStore(config.Config{})
	defer closeStore(log.New(io.Discard, "", 0))
	require.IsType(t, &earlybird.InMemoryStore{}, store)

	results, closeResults, err := newResultStore(context.Background(), config.Config{})
	require.NoError(t, err)
	defer closeResults()
	require.IsType(t, &result.InMemoryStore{}, results)
}
