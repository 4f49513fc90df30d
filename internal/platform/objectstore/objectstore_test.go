package objectstore

import "testing"

func TestConfigValidate(t *testing.T) {
	valid := Config{
		Endpoint:        "localhost:9000",
		AccessKey:       "a",
		SecretKey:       "b",
		Region:          "us-east-1",
		UseSSL:          false,
		BucketOutputs:   "sim-outputs",
		BucketArtifacts: "sim-artifacts",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}

	invalid := valid
	invalid.Endpoint = "http://localhost:9000"
	if err := invalid.Validate(); err == nil {
		t.Fatalf("Validate() expected error for scheme in endpoint")
	}

	invalid = valid
	invalid.BucketOutputs = " "
	if err := invalid.Validate(); err == nil {
		t.Fatalf("Validate() expected error for blank outputs bucket")
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("PLANSIM_MINIO_ENDPOINT", "minio.internal:9000")
	t.Setenv("PLANSIM_MINIO_BUCKET_OUTPUTS", "batch-outputs")

	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.Endpoint != "minio.internal:9000" {
		t.Fatalf("Endpoint=%s, want minio.internal:9000", cfg.Endpoint)
	}
	if cfg.BucketOutputs != "batch-outputs" {
		t.Fatalf("BucketOutputs=%s, want batch-outputs", cfg.BucketOutputs)
	}
	if cfg.BucketArtifacts != "sim-artifacts" {
		t.Fatalf("BucketArtifacts=%s, want default sim-artifacts", cfg.BucketArtifacts)
	}
}
