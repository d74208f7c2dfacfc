// Package device provides the Device Registry for the fleet core.
//
// The registry is the read-only catalogue of devices the core can command.
// Descriptors are loaded from a YAML inventory file and cached in memory;
// the dispatch core only ever calls Resolve.
//
// # Inventory format
//
//	devices:
//	  - id: tv-1
//	    name: Lobby TV
//	    kind: video
//	    api:
//	      base_url: http://10.0.0.21:8080
//	      status_path: /status
//	      auth:
//	        type: bearer
//	        token_env: TV1_TOKEN
//	    capabilities: [power, input]
//
// # Usage
//
//	registry := device.NewRegistry(device.NewFileRepository(cfg.Devices.Inventory))
//	registry.SetLogger(log)
//	if err := registry.Reload(ctx); err != nil {
//	    return err
//	}
//	dev, err := registry.Resolve("tv-1")
//
// # Thread Safety
//
// The Registry is safe for concurrent use. Reload swaps the whole cache
// under a write lock; lookups return deep copies.
package device
