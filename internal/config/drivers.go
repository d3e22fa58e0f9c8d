package config

import (
	_ "github.com/proxycad/proxycad/internal/dataset/ehdr"
	_ "github.com/proxycad/proxycad/internal/dataset/geojson"
	_ "github.com/proxycad/proxycad/internal/dataset/img"
)
