// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package schema validates the gateway's JSON configuration files against
// an embedded jsonschema document before the rest of the process trusts
// the values in them.
package schema

import (
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"net/url"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/cc-edge/modbus-gateway/pkg/log"
)

// Kind names one of the embedded schema documents.
type Kind int

const (
	// GatewayConfig validates the top-level gwconfig.Keys document (intervals,
	// health defaults, sender/outbox tuning, pubsub topic policy).
	GatewayConfig Kind = iota + 1
	// RegisterMap validates one device model's register map file.
	RegisterMap
)

//go:embed schemas/*
var schemaFiles embed.FS

// Load resolves an "embedfs://" URL against the embedded schema files, the
// loader jsonschema.Compile uses to pull in $ref targets.
func Load(s string) (io.ReadCloser, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	return schemaFiles.Open(u.Host + u.Path)
}

func init() {
	jsonschema.Loaders["embedfs"] = Load
}

func uriFor(k Kind) (string, error) {
	switch k {
	case GatewayConfig:
		return "embedfs://schemas/config.schema.json", nil
	case RegisterMap:
		return "embedfs://schemas/register-map.schema.json", nil
	default:
		return "", fmt.Errorf("schema: unknown kind %d", k)
	}
}

// Validate decodes r as JSON and checks it against the schema named by k.
func Validate(k Kind, r io.Reader) error {
	uri, err := uriFor(k)
	if err != nil {
		return err
	}
	s, err := jsonschema.Compile(uri)
	if err != nil {
		return err
	}

	var v interface{}
	if err := json.NewDecoder(r).Decode(&v); err != nil {
		log.Errorf("schema.Validate() - failed to decode: %v", err)
		return err
	}

	if err := s.Validate(v); err != nil {
		return fmt.Errorf("schema.Validate(): %w", err)
	}
	return nil
}
