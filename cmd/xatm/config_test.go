package main

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"

	"github.com/xiaoxuxiansheng/goxa/txmanager"
)

func Test_parseResources(t *testing.T) {
	tests := []struct {
		name    string
		entries []string
		expect  []txmanager.ResourceConfig
		wantErr bool
	}{
		{
			name:    "empty",
			entries: nil,
		},
		{
			name:    "flags",
			entries: []string{"1:orders", "2:stock:3"},
			expect: []txmanager.ResourceConfig{
				{ID: 1, Key: "orders", Instances: 1},
				{ID: 2, Key: "stock", Instances: 3},
			},
		},
		{
			name:    "env",
			entries: []string{"1:orders, 2:stock"},
			expect: []txmanager.ResourceConfig{
				{ID: 1, Key: "orders", Instances: 1},
				{ID: 2, Key: "stock", Instances: 1},
			},
		},
		{
			name:    "missing_key",
			entries: []string{"1"},
			wantErr: true,
		},
		{
			name:    "bad_id",
			entries: []string{"x:orders"},
			wantErr: true,
		},
		{
			name:    "repeat_id",
			entries: []string{"1:orders", "1:stock"},
			wantErr: true,
		},
		{
			name:    "bad_instances",
			entries: []string{"1:orders:0"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resources, err := parseResources(tt.entries)
			if tt.wantErr {
				assert.NotNil(t, err)
				return
			}
			assert.Nil(t, err)
			assert.Equal(t, tt.expect, resources)
		})
	}
}

func Test_loadConfig(t *testing.T) {
	defer viper.Reset()
	newRootCommand()

	cfg, err := loadConfig()
	assert.Nil(t, err)
	assert.Equal(t, "xatm", cfg.Name)
	assert.Equal(t, storeMemory, cfg.Store)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, 0, len(cfg.Resources))

	viper.Set("resource", []string{"1:orders:2"})
	viper.Set("timeout", "2s")
	cfg, err = loadConfig()
	assert.Nil(t, err)
	assert.Equal(t, 2*time.Second, cfg.Timeout)
	assert.Equal(t, []txmanager.ResourceConfig{{ID: 1, Key: "orders", Instances: 2}}, cfg.Resources)

	viper.Set("store", "mysql")
	_, err = loadConfig()
	assert.NotNil(t, err)

	viper.Set("store", "memory")
	viper.Set("rm", "disk")
	_, err = loadConfig()
	assert.NotNil(t, err)
}
