package Transformer

import "fmt"

// RGB 颜色分量
type RGB struct {
	R, G, B uint8
}

// String 输出 "(r,g,b)"，与 color_rgb 列格式一致
func (c RGB) String() string {
	return fmt.Sprintf("(%d,%d,%d)", c.R, c.G, c.B)
}

type aciEntry struct {
	name string
	rgb  RGB
}

// 常用 ACI 索引，其余索引使用 hashACI
var aciTable = map[int]aciEntry{
	1:   {"red", RGB{255, 0, 0}},
	2:   {"yellow", RGB{255, 255, 0}},
	3:   {"green", RGB{0, 255, 0}},
	4:   {"cyan", RGB{0, 255, 255}},
	5:   {"blue", RGB{0, 0, 255}},
	6:   {"magenta", RGB{255, 0, 255}},
	7:   {"white", RGB{255, 255, 255}},
	8:   {"dark gray", RGB{128, 128, 128}},
	9:   {"light gray", RGB{192, 192, 192}},
	250: {"gray 250", RGB{51, 51, 51}},
	251: {"gray 251", RGB{91, 91, 91}},
	252: {"gray 252", RGB{132, 132, 132}},
	253: {"gray 253", RGB{173, 173, 173}},
	254: {"gray 254", RGB{214, 214, 214}},
	255: {"gray 255", RGB{255, 255, 255}},
}

const (
	aciByBlock = 0
	aciByLayer = 256
	// 部分导出工具把 255 写作 BYLAYER
	aciByLayerAlt = 255
)

// ACIColor 查表得到 ACI 颜色名称与 RGB；0 为 BYBLOCK（黑色）
func ACIColor(index int) (string, RGB) {
	if index < 0 {
		index = -index
	}
	if index == aciByBlock {
		return "BYBLOCK", RGB{0, 0, 0}
	}
	if e, ok := aciTable[index]; ok {
		return e.name, e.rgb
	}
	return fmt.Sprintf("ACI %d", index), hashACI(index)
}

func hashACI(i int) RGB {
	return RGB{R: uint8(i * 30 % 255), G: uint8(i * 60 % 255), B: uint8(i * 90 % 255)}
}

func trueColorRGB(v int) RGB {
	return RGB{R: uint8(v >> 16 & 0xFF), G: uint8(v >> 8 & 0xFF), B: uint8(v & 0xFF)}
}

// ResolvedColor 实体最终颜色
type ResolvedColor struct {
	Value int
	Name  string
	RGB   RGB
}

// ResolveColor 颜色优先级：非零的 420 真彩色，其次 62 为 0/255/256 时继承图层，最后按 ACI 查表
func ResolveColor(e *DXFEntity, layers map[string]DXFLayer) ResolvedColor {
	if e.TrueColor > 0 {
		c := trueColorRGB(e.TrueColor)
		return ResolvedColor{Value: e.TrueColor, Name: fmt.Sprintf("truecolor #%02X%02X%02X", c.R, c.G, c.B), RGB: c}
	}
	switch e.Color {
	case aciByBlock, aciByLayerAlt, aciByLayer:
		layer, ok := layers[e.Layer]
		if !ok {
			layer = DXFLayer{Color: 7, TrueColor: -1}
		}
		if layer.TrueColor > 0 {
			c := trueColorRGB(layer.TrueColor)
			return ResolvedColor{Value: layer.TrueColor, Name: fmt.Sprintf("truecolor #%02X%02X%02X (from layer)", c.R, c.G, c.B), RGB: c}
		}
		idx := layer.Color
		if idx < 0 {
			idx = -idx
		}
		name, rgb := ACIColor(idx)
		return ResolvedColor{Value: idx, Name: name + " (from layer)", RGB: rgb}
	}
	name, rgb := ACIColor(e.Color)
	return ResolvedColor{Value: e.Color, Name: name, RGB: rgb}
}
