package image

import "testing"

func TestArtifactReference(t *testing.T) {
	tests := []struct {
		name string
		a    Artifact
		want string
	}{
		{
			name: "docker hub namespace",
			a:    Artifact{Namespace: "chef", Name: "foodgram_backend", Tag: "v1"},
			want: "chef/foodgram_backend:v1",
		},
		{
			name: "explicit docker hub registry is dropped",
			a:    Artifact{Registry: "index.docker.io", Namespace: "chef", Name: "foodgram_frontend", Tag: "v1"},
			want: "chef/foodgram_frontend:v1",
		},
		{
			name: "private registry",
			a:    Artifact{Registry: "ghcr.io", Namespace: "chef", Name: "api", Tag: "abc1234"},
			want: "ghcr.io/chef/api:abc1234",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Reference(); got != tt.want {
				t.Fatalf("Reference() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestArtifactValidate(t *testing.T) {
	good := Artifact{Namespace: "chef", Name: "foodgram_backend", Tag: "v1"}
	if err := good.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	bad := []Artifact{
		{Namespace: "chef", Tag: "v1"},
		{Namespace: "chef", Name: "backend"},
		{Namespace: "Chef", Name: "Backend", Tag: "v1"},
	}
	for _, a := range bad {
		if err := a.Validate(); err == nil {
			t.Fatalf("Validate(%+v) error = nil, want error", a)
		}
	}
}

func TestArtifactSameRepository(t *testing.T) {
	a := Artifact{Namespace: "chef", Name: "foodgram_backend", Tag: "v2"}

	tests := []struct {
		ref  string
		want bool
	}{
		{ref: "chef/foodgram_backend:latest", want: true},
		{ref: "docker.io/chef/foodgram_backend", want: true},
		{ref: "index.docker.io/chef/foodgram_backend:v1", want: true},
		{ref: "chef/foodgram_frontend:latest", want: false},
		{ref: "ghcr.io/chef/foodgram_backend:latest", want: false},
		{ref: "nginx:1.25", want: false},
	}
	for _, tt := range tests {
		if got := a.SameRepository(tt.ref); got != tt.want {
			t.Fatalf("SameRepository(%q) = %v, want %v", tt.ref, got, tt.want)
		}
	}
}
