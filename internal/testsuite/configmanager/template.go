package configmanager

// TracerStage describes an optional event-tracing stage spliced into the
// test chain. The harness treats it as opaque: Module and Options are passed
// through to conserver untouched.
type TracerStage struct {
	Name    string                 `mapstructure:"name"`
	Module  string                 `mapstructure:"module"`
	Options map[string]interface{} `mapstructure:"options"`
}

// TestConfigSpec holds the fields templated into the generated test
// configuration. Everything else about the document is fixed.
type TestConfigSpec struct {
	// Chain and ingress-list names; namespaced per run so a crashed earlier
	// run's leftovers can't collide.
	ChainName   string
	IngressList string
	// Address the webhook stage delivers callbacks to.
	WebhookUrl string
	// Server-side path the file storage stage persists artifacts into.
	ArtifactDir string
	// Tags the tagging stage adds to every processed vCon.
	Tags map[string]string
	// Optional tracing stage; omitted from the document when nil.
	Tracer *TracerStage
}

// BuildConfigDocument generates the configuration document for a test run:
// a tagging stage, a webhook stage pointing at the harness's listener, a
// file storage sink, a chain wiring them to the dedicated ingress list, and
// optionally the tracer stage.
func BuildConfigDocument(spec *TestConfigSpec) map[string]interface{} {
	tags := make(map[string]interface{}, len(spec.Tags))
	for k, v := range spec.Tags {
		tags[k] = v
	}

	chain := map[string]interface{}{
		"links":         []interface{}{"random_tag", "webhook"},
		"ingress_lists": []interface{}{spec.IngressList},
		"storages":      []interface{}{"file_storage"},
		"enabled":       1,
	}

	doc := map[string]interface{}{
		"links": map[string]interface{}{
			"random_tag": map[string]interface{}{
				"module":        "links.tag",
				"ingress-lists": []interface{}{spec.IngressList},
				"egress-lists":  []interface{}{},
				"options": map[string]interface{}{
					"tags": tags,
				},
			},
			"webhook": map[string]interface{}{
				"module": "links.webhook",
				"options": map[string]interface{}{
					"webhook-urls": []interface{}{spec.WebhookUrl},
				},
			},
		},
		"storages": map[string]interface{}{
			"file_storage": map[string]interface{}{
				"module": "storage.file",
				"options": map[string]interface{}{
					"path":                      spec.ArtifactDir,
					"add_timestamp_to_filename": true,
					"filename":                  "vcon",
					"extension":                 "json",
				},
			},
		},
		"chains": map[string]interface{}{
			spec.ChainName: chain,
		},
	}

	if spec.Tracer != nil {
		options := spec.Tracer.Options
		if options == nil {
			options = map[string]interface{}{}
		}
		doc["tracers"] = map[string]interface{}{
			spec.Tracer.Name: map[string]interface{}{
				"module":  spec.Tracer.Module,
				"options": options,
			},
		}
		chain["tracers"] = []interface{}{spec.Tracer.Name}
	}

	return doc
}
