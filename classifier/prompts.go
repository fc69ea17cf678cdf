package classifier

// DefaultPositivePrompts describe the content scenes are cut around.
var DefaultPositivePrompts = []string{
	"a photo of a person driving a car",
	"view from inside a car",
	"a person inside a car",
	"driving a truck",
	"dashboard of a car",
	"steering wheel",
	"driver seat view",
}

// DefaultNegativePrompts describe look-alike content that should not count.
var DefaultNegativePrompts = []string{
	"a photo of an empty street",
	"a photo of a person walking",
	"a photo of a person outdoors",
	"a photo of a person indoors",
	"a forest",
	"a living room",
}

// Prompts are the two text sets frames are compared against.
type Prompts struct {
	Positive []string `json:"positive"`
	Negative []string `json:"negative"`
}

// NewPrompts falls back to the defaults for any empty set.
func NewPrompts(positive, negative []string) Prompts {
	if len(positive) == 0 {
		positive = DefaultPositivePrompts
	}
	if len(negative) == 0 {
		negative = DefaultNegativePrompts
	}
	return Prompts{Positive: positive, Negative: negative}
}
