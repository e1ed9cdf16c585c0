// Package backbone assembles the U-Net segmentation network from gotch
// layers. The conv/pool/upsample primitives, parameter registration and
// autograd all come from the framework; this package only wires them into
// the encoder-decoder shape.
package backbone

import (
	"strconv"

	"github.com/pkg/errors"
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"
)

// Config sizes the U-Net.
type Config struct {
	NumClasses    int64
	NumLayers     int64
	FeaturesStart int64
	Bilinear      bool
	InputChannels int64
}

// Validate checks the network is constructible.
func (c Config) Validate() error {
	if c.NumClasses < 2 {
		return errors.Errorf("backbone: num classes must be >= 2 (got %d)", c.NumClasses)
	}
	if c.NumLayers < 1 {
		return errors.Errorf("backbone: num layers must be >= 1 (got %d)", c.NumLayers)
	}
	if c.FeaturesStart < 1 {
		return errors.Errorf("backbone: features start must be >= 1 (got %d)", c.FeaturesStart)
	}
	if c.InputChannels < 1 {
		return errors.Errorf("backbone: input channels must be >= 1 (got %d)", c.InputChannels)
	}
	return nil
}

// UNet is the encoder-decoder segmentation network. Input height and width
// must be divisible by 2^(NumLayers-1).
type UNet struct {
	cfg   Config
	stem  *doubleConv
	downs []*doubleConv
	ups   []*upBlock
	head  *nn.Conv2D
}

// NewUNet registers the network parameters under p.
func NewUNet(p *nn.Path, cfg Config) (*UNet, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	u := &UNet{cfg: cfg}
	u.stem = newDoubleConv(p.Sub("stem"), cfg.InputChannels, cfg.FeaturesStart)

	feats := cfg.FeaturesStart
	for i := int64(0); i < cfg.NumLayers-1; i++ {
		u.downs = append(u.downs, newDoubleConv(p.Sub("down").Sub(strconv.FormatInt(i, 10)), feats, feats*2))
		feats *= 2
	}
	for i := int64(0); i < cfg.NumLayers-1; i++ {
		u.ups = append(u.ups, newUpBlock(p.Sub("up").Sub(strconv.FormatInt(i, 10)), feats, feats/2, cfg.Bilinear))
		feats /= 2
	}

	headCfg := nn.DefaultConv2DConfig()
	u.head = nn.NewConv2D(p.Sub("head"), feats, cfg.NumClasses, 1, headCfg)
	return u, nil
}

// ForwardT runs the network. Output shape is [B, NumClasses, H, W] for an
// input of [B, InputChannels, H, W].
func (u *UNet) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	skips := make([]*ts.Tensor, 0, len(u.downs)+1)
	feat := u.stem.forwardT(x, train)
	skips = append(skips, feat)

	for _, down := range u.downs {
		pooled := feat.MustMaxPool2d([]int64{2, 2}, []int64{2, 2}, []int64{0, 0}, []int64{1, 1}, false, false)
		feat = down.forwardT(pooled, train)
		pooled.MustDrop()
		skips = append(skips, feat)
	}

	for i, up := range u.ups {
		skip := skips[len(skips)-2-i]
		next := up.forwardT(feat, skip, train)
		if i > 0 {
			feat.MustDrop()
		}
		feat = next
	}

	out := u.head.Forward(feat)
	if len(u.ups) > 0 {
		feat.MustDrop()
	}
	for _, s := range skips {
		s.MustDrop()
	}
	return out
}

// doubleConv is two 3x3 conv + batch-norm + relu stages.
type doubleConv struct {
	conv1 *nn.Conv2D
	bn1   *nn.BatchNorm
	conv2 *nn.Conv2D
	bn2   *nn.BatchNorm
}

func newDoubleConv(p *nn.Path, in, out int64) *doubleConv {
	cfg := nn.DefaultConv2DConfig()
	cfg.Padding = []int64{1, 1}
	return &doubleConv{
		conv1: nn.NewConv2D(p.Sub("conv1"), in, out, 3, cfg),
		bn1:   nn.BatchNorm2D(p.Sub("bn1"), out, nn.DefaultBatchNormConfig()),
		conv2: nn.NewConv2D(p.Sub("conv2"), out, out, 3, cfg),
		bn2:   nn.BatchNorm2D(p.Sub("bn2"), out, nn.DefaultBatchNormConfig()),
	}
}

func (dc *doubleConv) forwardT(x *ts.Tensor, train bool) *ts.Tensor {
	c1 := dc.conv1.Forward(x)
	b1 := dc.bn1.ForwardT(c1, train)
	c1.MustDrop()
	r1 := b1.MustRelu(true)
	c2 := dc.conv2.Forward(r1)
	r1.MustDrop()
	b2 := dc.bn2.ForwardT(c2, train)
	c2.MustDrop()
	return b2.MustRelu(true)
}

// upBlock doubles spatial resolution, concatenates the matching encoder
// feature map, and refines with a doubleConv.
type upBlock struct {
	bilinear bool
	shrink   *nn.Conv2D
	deconv   *nn.ConvTranspose2D
	conv     *doubleConv
}

func newUpBlock(p *nn.Path, in, out int64, bilinear bool) *upBlock {
	b := &upBlock{bilinear: bilinear}
	if bilinear {
		shrinkCfg := nn.DefaultConv2DConfig()
		b.shrink = nn.NewConv2D(p.Sub("shrink"), in, in/2, 1, shrinkCfg)
	} else {
		deconvCfg := nn.DefaultConvTranspose2DConfig()
		deconvCfg.Stride = []int64{2, 2}
		b.deconv = nn.NewConvTranspose2D(p.Sub("deconv"), in, in/2, 2, deconvCfg)
	}
	b.conv = newDoubleConv(p.Sub("conv"), in, out)
	return b
}

func (b *upBlock) forwardT(x, skip *ts.Tensor, train bool) *ts.Tensor {
	var up *ts.Tensor
	if b.bilinear {
		size := x.MustSize()
		grown := x.MustUpsampleBilinear2d([]int64{size[2] * 2, size[3] * 2}, false, nil, nil, false)
		up = b.shrink.Forward(grown)
		grown.MustDrop()
	} else {
		up = b.deconv.Forward(x)
	}
	joined := ts.MustCat([]*ts.Tensor{skip, up}, 1)
	up.MustDrop()
	out := b.conv.forwardT(joined, train)
	joined.MustDrop()
	return out
}
