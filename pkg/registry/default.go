package registry

// Default returns the registry written on first start.
func Default() *Registry {
	return &Registry{MCPs: map[string]*Entry{
		"comfyui": {
			Description: "AI image generation with Stable Diffusion",
			Command:     "python",
			Args:        []string{"-m", "mcp_comfyui"},
			Capabilities: []string{
				"generate images",
				"create logos",
				"AI art",
				"stable diffusion",
				"text to image",
				"image generation",
			},
			Tools: map[string]*ToolDoc{
				"generate_image": {
					Description: "Generate an image from text prompt",
					Examples:    []string{"robot logo", "landscape painting"},
				},
			},
		},
		"github": {
			Description: "GitHub repository and code management",
			Command:     "python",
			Args:        []string{"-m", "mcp_github"},
			Capabilities: []string{
				"create repository",
				"manage code",
				"pull requests",
				"version control",
				"git operations",
				"issue tracking",
			},
		},
		"memory": {
			Description: "Knowledge graph and memory persistence",
			Command:     "python",
			Args:        []string{"-m", "mcp_memory"},
			Capabilities: []string{
				"store information",
				"knowledge graph",
				"remember context",
				"search memories",
				"persistent storage",
			},
		},
		"docker": {
			Description: "Docker container management",
			Command:     "python",
			Args:        []string{"-m", "mcp_docker"},
			Capabilities: []string{
				"manage containers",
				"docker operations",
				"container logs",
				"image management",
				"docker compose",
			},
		},
		"filesystem": {
			Description: "File system operations",
			Command:     "python",
			Args:        []string{"-m", "mcp_filesystem"},
			Capabilities: []string{
				"read files",
				"write files",
				"list directories",
				"file operations",
				"manage folders",
			},
		},
	}}
}
