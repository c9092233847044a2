package convsync

import "embed"

// TemplateFS contains the embedded HTML templates used for rendering the transcript page.
//
//go:embed templates/*
var TemplateFS embed.FS
